package webrtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/pkg/types"
)

const (
	// DataChannelLabel is the label of the browser-created frame channel.
	DataChannelLabel = "frames"

	chunkSize   = 16 * 1024
	headerSize  = 8
	maxBuffered = 1 << 20
)

// ErrMaxClients is returned when the viewer limit is reached.
var ErrMaxClients = errors.New("maximum webrtc clients reached")

// FrameSource yields encoded JPEG frames.
type FrameSource interface {
	Subscribe(ctx context.Context, q types.Quality) iter.Seq[[]byte]
}

// Client is one connected viewer.
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	ctx           context.Context
	cancel        context.CancelFunc
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// ClientStats are per-viewer counters.
type ClientStats struct {
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
}

// Server fans JPEG frames out to WebRTC viewers over data channels.
type Server struct {
	source     FrameSource
	quality    types.Quality
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics

	clientsMu sync.RWMutex
	clients   map[string]*Client
}

// NewServer creates a WebRTC server. m may be nil.
func NewServer(source FrameSource, stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if maxClients <= 0 {
		maxClients = 10
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		source:     source,
		quality:    types.QualityMedium,
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		metrics:    m,
		clients:    make(map[string]*Client),
	}
}

// HandleOffer accepts an SDP offer (JSON) and returns the answer (JSON) with
// gathered ICE candidates. Frames start once the browser opens its
// "frames" data channel.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:       uuid.NewString(),
		peerConn: peerConn,
		ctx:      clientCtx,
		cancel:   cancel,
	}
	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(1)
	}
	fail := func(format string, err error) ([]byte, error) {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf(format, err)
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Info("WebRTC", "Client %s frame channel open", client.id)
			go s.sendFrames(client, dc)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail("ice gathering aborted: %w", ctx.Err())
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail("%w", errors.New("no local description available"))
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail("failed to marshal answer: %w", err)
	}

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

func (s *Server) sendFrames(client *Client, dc *webrtc.DataChannel) {
	var seq uint32
	for data := range s.source.Subscribe(client.ctx, s.quality) {
		if dc.BufferedAmount() > maxBuffered {
			client.framesDropped.Add(1)
			continue
		}
		seq++
		for _, chunk := range chunkFrame(seq, data) {
			if err := dc.Send(chunk); err != nil {
				logger.Debug("WebRTC", "Client %s send failed: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
		}
		client.framesSent.Add(1)
	}
}

// chunkFrame splits a JPEG into data channel messages of at most chunkSize
// bytes. Each message starts with seq (u32), index (u16) and count (u16),
// big endian.
func chunkFrame(seq uint32, data []byte) [][]byte {
	payload := chunkSize - headerSize
	count := (len(data) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	chunks := make([][]byte, 0, count)
	for i := range count {
		start := i * payload
		end := min(start+payload, len(data))
		msg := make([]byte, headerSize+end-start)
		binary.BigEndian.PutUint32(msg[0:4], seq)
		binary.BigEndian.PutUint16(msg[4:6], uint16(i))
		binary.BigEndian.PutUint16(msg[6:8], uint16(count))
		copy(msg[headerSize:], data[start:end])
		chunks = append(chunks, msg)
	}
	return chunks
}

// RemoveClient disconnects a client by ID.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	client.cancel()
	_ = client.peerConn.Close()
	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(-1)
	}

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns stats for all clients.
func (s *Server) ClientStats() map[string]ClientStats {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]ClientStats, len(s.clients))
	for id, client := range s.clients {
		stats[id] = ClientStats{
			FramesSent:    client.framesSent.Load(),
			FramesDropped: client.framesDropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
