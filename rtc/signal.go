package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

type MessageType string

// Client to server
const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeSubscribe MessageType = "subscribe"
)

// Server to client
const (
	MessageTypeSubscribed       MessageType = "subscribed"
	MessageTypeError            MessageType = "error"
	MessageTypeParticipantJoin  MessageType = "participant_joined"
	MessageTypeParticipantLeave MessageType = "participant_left"
	MessageTypeTrackPublished   MessageType = "track_published"
	MessageTypeTrackUnpublished MessageType = "track_unpublished"
	MessageTypeNetworkQuality   MessageType = "network_quality"
	MessageTypeAudioLevels      MessageType = "audio_levels"
)

// Message is the single envelope used on the signaling socket. Replies to
// a request carry the request's RequestID.
type Message struct {
	Type          MessageType    `json:"type"`
	RequestID     string         `json:"request_id,omitempty"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Kind          string         `json:"kind,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	SDP           string         `json:"sdp,omitempty"`
	Uplink        int            `json:"uplink,omitempty"`
	Downlink      int            `json:"downlink,omitempty"`
	Levels        []LevelMessage `json:"levels,omitempty"`
	Code          string         `json:"code,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

type LevelMessage struct {
	ParticipantID string `json:"participant_id"`
	Level         int    `json:"level"`
}

func DecodeMessage(data []byte) (*Message, error) {
	msg := new(Message)
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding signaling message: %v", shared.ErrSignalingProtocol, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: message without type", shared.ErrSignalingProtocol)
	}
	return msg, nil
}

// Err converts an error reply into a Go error.
func (m *Message) Err() error {
	if m.Type != MessageTypeError {
		return nil
	}
	var base error
	switch m.Code {
	case "unauthorized":
		base = shared.ErrUnauthorized
	case "forbidden":
		base = shared.ErrForbidden
	default:
		base = shared.ErrSignalingProtocol
	}
	return fmt.Errorf("%w: %s %s", base, m.Code, m.Detail)
}

// Event translates a server push message into a transport event. ok is
// false for messages that are not events.
func (m *Message) Event() (ev session.Event, ok bool) {
	switch m.Type {
	case MessageTypeParticipantJoin:
		return session.ParticipantJoined{ParticipantID: m.ParticipantID}, true
	case MessageTypeParticipantLeave:
		return session.ParticipantLeft{ParticipantID: m.ParticipantID, Reason: m.Reason}, true
	case MessageTypeTrackPublished:
		return session.MediaPublished{ParticipantID: m.ParticipantID, Kind: session.MediaKind(m.Kind)}, true
	case MessageTypeTrackUnpublished:
		return session.MediaUnpublished{ParticipantID: m.ParticipantID, Kind: session.MediaKind(m.Kind)}, true
	case MessageTypeNetworkQuality:
		return session.NetworkQualitySample{Quality: session.NetworkQuality{
			Uplink:   session.QualityLevel(m.Uplink),
			Downlink: session.QualityLevel(m.Downlink),
		}}, true
	case MessageTypeAudioLevels:
		levels := make([]session.AudioLevel, 0, len(m.Levels))
		for _, l := range m.Levels {
			levels = append(levels, session.AudioLevel{ParticipantID: l.ParticipantID, Level: l.Level})
		}
		return session.AudioLevels{Levels: levels}, true
	case MessageTypeError:
		if m.RequestID != "" {
			return nil, false
		}
		return session.Exception{Code: m.Code, Detail: m.Detail}, true
	default:
		return nil, false
	}
}

const signalWriteTimeout = 5 * time.Second

// signalConn serializes writes on a websocket; gorilla allows one writer.
type signalConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newSignalConn(ws *websocket.Conn) *signalConn {
	return &signalConn{ws: ws}
}

func (s *signalConn) Send(msg *Message) error {
	b, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding signaling message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrClientClosed
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(signalWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: writing signaling message: %v", shared.ErrNetwork, err)
	}
	return nil
}

// Read blocks for the next message. Undecodable messages are reported
// as shared.ErrSignalingProtocol and leave the connection usable.
func (s *signalConn) Read() (*Message, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: reading signaling message: %v", shared.ErrNetwork, err)
	}
	return DecodeMessage(data)
}

// Close sends a close frame and closes the socket. It is safe to call twice.
func (s *signalConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"),
		time.Now().Add(time.Second),
	)
	return s.ws.Close()
}

// pendingRequests correlates request ids with their replies.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan *Message
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]chan *Message)}
}

func (p *pendingRequests) add(id string) chan *Message {
	ch := make(chan *Message, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingRequests) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve hands msg to the request waiting for it.
func (p *pendingRequests) resolve(msg *Message) bool {
	if msg.RequestID == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiters[msg.RequestID]
	delete(p.waiters, msg.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// failAll closes every waiter; their requests see errRequestsAborted.
func (p *pendingRequests) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

var errRequestsAborted = errors.New("signaling request aborted")

func (p *pendingRequests) wait(ctx context.Context, id string, ch chan *Message) (*Message, error) {
	select {
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, errRequestsAborted
		}
		if err := msg.Err(); err != nil {
			return nil, err
		}
		return msg, nil
	}
}
