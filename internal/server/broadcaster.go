package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/pipeline"
)

// SerializedEvent holds one detection event in both wire formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a structpb.Struct
}

// DetectionBroadcaster fans per-cycle detection events out to SSE clients.
// It is a pipeline observer, so it never blocks the producer.
type DetectionBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
}

// NewDetectionBroadcaster creates an empty broadcaster.
func NewDetectionBroadcaster() *DetectionBroadcaster {
	return &DetectionBroadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a client and returns its event channel.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, 2)
	if db.closed {
		close(ch)
		return id, ch
	}
	db.clients[id] = ch

	logger.Debug("DetectionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		logger.Debug("DetectionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (db *DetectionBroadcaster) ClientCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

// Close disconnects every client. Later subscribers get a closed channel.
func (db *DetectionBroadcaster) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
	}
	db.closed = true
}

// ObserveCycle serializes the cycle once and offers it to every client.
// Cycles without detections are not broadcast.
func (db *DetectionBroadcaster) ObserveCycle(r pipeline.CycleReport) {
	if len(r.Detections) == 0 || db.ClientCount() == 0 {
		return
	}
	event, err := serializeCycle(r)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Serialize error: %v", err)
		return
	}
	db.broadcast(event)
}

func (db *DetectionBroadcaster) broadcast(event *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ch := range db.clients {
		select {
		case ch <- event:
		default:
			// slow client, skip
		}
	}
}

type detectionJSON struct {
	FrameNumber uint64          `json:"frame_number"`
	Timestamp   float64         `json:"timestamp"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Detections  []detectionItem `json:"detections"`
	Alerts      []string        `json:"alerts"`
}

type detectionItem struct {
	ClassName  string   `json:"class_name"`
	ClassID    int      `json:"class_id"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	BBox       bboxXYWH `json:"bbox"`
}

type bboxXYWH struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func serializeCycle(r pipeline.CycleReport) (*SerializedEvent, error) {
	ev := detectionJSON{
		FrameNumber: r.Seq,
		Timestamp:   float64(r.Timestamp.UnixNano()) / 1e9,
		Width:       r.Width,
		Height:      r.Height,
		Detections:  make([]detectionItem, len(r.Detections)),
		Alerts:      make([]string, 0, len(r.Alerts)),
	}
	for i, d := range r.Detections {
		rect := d.Box.Rect()
		ev.Detections[i] = detectionItem{
			ClassName:  d.ClassName,
			ClassID:    d.ClassID,
			Category:   d.Category().String(),
			Confidence: d.Confidence,
			BBox:       bboxXYWH{X: rect.Min.X, Y: rect.Min.Y, W: rect.Dx(), H: rect.Dy()},
		}
	}
	for _, a := range r.Alerts {
		ev.Alerts = append(ev.Alerts, a.DetectionType)
	}

	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	// structpb only accepts generic JSON values.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("json roundtrip: %w", err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("structpb: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
