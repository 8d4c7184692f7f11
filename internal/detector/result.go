package detector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when a detector response is not valid JSON.
var ErrDecode = errors.New("detector response is not valid JSON")

// RawResult is the output of one detector call. The concrete type records
// which of the known output shapes the detector produced.
type RawResult interface {
	rawResult()
}

// Boxes holds parallel per-detection arrays.
type Boxes struct {
	XYXY [][]float64 `json:"xyxy"`
	Conf []float64   `json:"conf"`
	Cls  []float64   `json:"cls"`
}

// Structured is a single result object with parallel arrays.
type Structured struct {
	Boxes Boxes `json:"boxes"`
}

// Batch is a list of per-image results. Single-image calls use the first.
type Batch []Structured

// Table is a flat numeric table, one [x1,y1,x2,y2,conf,cls] row per detection.
type Table [][]float64

// Unrecognized is a well-formed response in none of the known shapes.
type Unrecognized struct {
	Reason string
}

func (Structured) rawResult()   {}
func (Batch) rawResult()        {}
func (Table) rawResult()        {}
func (Unrecognized) rawResult() {}

// DecodeResult sniffs a JSON detector response once and returns the
// matching RawResult variant.
func DecodeResult(data []byte) (RawResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDecode)
	}
	if !json.Valid(data) {
		return nil, ErrDecode
	}

	switch data[0] {
	case '{':
		return decodeObject(data)
	case '[':
		return decodeArray(data)
	default:
		return Unrecognized{Reason: "top-level value is neither object nor array"}, nil
	}
}

func decodeObject(data []byte) (RawResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if _, ok := fields["boxes"]; ok {
		var s Structured
		if err := json.Unmarshal(data, &s); err != nil {
			return Unrecognized{Reason: "boxes field has unexpected layout: " + err.Error()}, nil
		}
		return s, nil
	}

	// Per-image tables keyed by "xyxy", as returned by torch hub style models.
	if raw, ok := fields["xyxy"]; ok {
		var perImage []Table
		if err := json.Unmarshal(raw, &perImage); err != nil {
			return Unrecognized{Reason: "xyxy field has unexpected layout: " + err.Error()}, nil
		}
		if len(perImage) == 0 {
			return Table{}, nil
		}
		return perImage[0], nil
	}

	return Unrecognized{Reason: "object has neither boxes nor xyxy"}, nil
}

func decodeArray(data []byte) (RawResult, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(items) == 0 {
		return Batch{}, nil
	}

	first := bytes.TrimSpace(items[0])
	switch {
	case len(first) > 0 && first[0] == '{':
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return Unrecognized{Reason: "result list has unexpected layout: " + err.Error()}, nil
		}
		return b, nil
	case len(first) > 0 && first[0] == '[':
		var t Table
		if err := json.Unmarshal(data, &t); err != nil {
			return Unrecognized{Reason: "table has non-numeric cells: " + err.Error()}, nil
		}
		return t, nil
	default:
		return Unrecognized{Reason: "array of scalars"}, nil
	}
}
