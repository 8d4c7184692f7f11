package detection

import (
	"errors"
	"fmt"
	"math"

	"github.com/alertmatrix/detection-service/internal/detector"
	"github.com/alertmatrix/detection-service/internal/logger"
)

// ErrMalformedDetection marks a detector row that failed validation.
var ErrMalformedDetection = errors.New("malformed detection")

// Normalizer turns raw detector output into Detections at or above the
// display threshold.
type Normalizer struct {
	ClassNames       map[int]string
	DisplayThreshold float64
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(classNames map[int]string, displayThreshold float64) *Normalizer {
	return &Normalizer{ClassNames: classNames, DisplayThreshold: displayThreshold}
}

// Result is the outcome of one Normalize call.
type Result struct {
	Detections []Detection
	Dropped    int // malformed rows
	Filtered   int // valid rows below the display threshold
}

// Normalize never fails: malformed rows are dropped with a warning and an
// unknown shape yields an empty result. Detector order is preserved.
func (n *Normalizer) Normalize(raw detector.RawResult) Result {
	var res Result

	switch r := raw.(type) {
	case detector.Structured:
		n.fromStructured(r, &res)
	case detector.Batch:
		if len(r) > 0 {
			n.fromStructured(r[0], &res)
		}
	case detector.Table:
		for i, row := range r {
			det, err := n.fromRow(row)
			n.collect(i, det, err, &res)
		}
	case detector.Unrecognized:
		logger.Warn("Normalizer", "Unrecognized detector result shape: %s", r.Reason)
	case nil:
		logger.Warn("Normalizer", "Detector returned no result")
	default:
		logger.Warn("Normalizer", "Unsupported detector result type %T", raw)
	}

	return res
}

func (n *Normalizer) fromStructured(s detector.Structured, res *Result) {
	b := s.Boxes
	count := max(len(b.XYXY), len(b.Conf), len(b.Cls))
	for i := range count {
		if i >= len(b.XYXY) || i >= len(b.Conf) || i >= len(b.Cls) {
			n.collect(i, Detection{}, fmt.Errorf("%w: parallel arrays differ in length", ErrMalformedDetection), res)
			continue
		}
		if len(b.XYXY[i]) != 4 {
			n.collect(i, Detection{}, fmt.Errorf("%w: box has %d coordinates", ErrMalformedDetection, len(b.XYXY[i])), res)
			continue
		}
		row := make([]float64, 0, 6)
		row = append(row, b.XYXY[i]...)
		row = append(row, b.Conf[i], b.Cls[i])
		det, err := n.fromRow(row)
		n.collect(i, det, err, res)
	}
}

func (n *Normalizer) collect(i int, det Detection, err error, res *Result) {
	if err != nil {
		res.Dropped++
		logger.Warn("Normalizer", "Dropping detection row %d: %v", i, err)
		return
	}
	if det.Confidence < n.DisplayThreshold {
		res.Filtered++
		return
	}
	res.Detections = append(res.Detections, det)
}

// fromRow validates a [x1,y1,x2,y2,conf,cls] row. Extra trailing fields are ignored.
func (n *Normalizer) fromRow(row []float64) (Detection, error) {
	if len(row) < 6 {
		return Detection{}, fmt.Errorf("%w: row has %d fields, need 6", ErrMalformedDetection, len(row))
	}
	for _, v := range row[:6] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Detection{}, fmt.Errorf("%w: non-finite value", ErrMalformedDetection)
		}
	}

	x1, y1, x2, y2, conf, cls := row[0], row[1], row[2], row[3], row[4], row[5]
	if cls != math.Trunc(cls) {
		return Detection{}, fmt.Errorf("%w: class index %v is not an integer", ErrMalformedDetection, cls)
	}
	name, ok := n.ClassNames[int(cls)]
	if !ok {
		return Detection{}, fmt.Errorf("%w: class index %d not in class map", ErrMalformedDetection, int(cls))
	}
	if conf < 0 || conf > 1 {
		return Detection{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDetection, conf)
	}
	if x1 >= x2 || y1 >= y2 {
		return Detection{}, fmt.Errorf("%w: degenerate box (%v,%v,%v,%v)", ErrMalformedDetection, x1, y1, x2, y2)
	}

	return Detection{
		ClassName:  name,
		ClassID:    int(cls),
		Confidence: conf,
		Box:        Box{X1: x1, Y1: y1, X2: x2, Y2: y2},
	}, nil
}
