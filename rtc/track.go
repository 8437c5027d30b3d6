package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	session "github.com/bt-bridge/rtc-session"
	"github.com/pion/webrtc/v4"
)

var errTrackStopped = errors.New("track stopped")

// captureTrack is what localTrack needs from a capture source;
// mediadevices.Track satisfies it.
type captureTrack interface {
	webrtc.TrackLocal
	Close() error
}

// localTrack is a captured track. Muting swaps the sender's track for nil
// so capture keeps running and unmuting is instant.
type localTrack struct {
	kind    session.MediaKind
	capture captureTrack

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
	stopped bool
}

var _ session.LocalTrack = (*localTrack)(nil)

func newLocalTrack(kind session.MediaKind, capture captureTrack) *localTrack {
	return &localTrack{kind: kind, capture: capture, enabled: true}
}

func (t *localTrack) Kind() session.MediaKind {
	return t.kind
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(_ context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errTrackStopped
	}
	if t.enabled == enabled {
		return nil
	}
	if t.sender != nil {
		var next webrtc.TrackLocal
		if enabled {
			next = t.capture
		}
		if err := t.sender.ReplaceTrack(next); err != nil {
			return fmt.Errorf("replacing %s sender track: %w", t.kind, err)
		}
	}
	t.enabled = enabled
	return nil
}

// bind records the sender once the track is added to a peer connection.
// A track muted before publishing starts out with no outgoing media.
func (t *localTrack) bind(sender *webrtc.RTPSender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
	if !t.enabled {
		return sender.ReplaceTrack(nil)
	}
	return nil
}

func (t *localTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	t.sender = nil
	if err := t.capture.Close(); err != nil {
		return fmt.Errorf("closing %s capture: %w", t.kind, err)
	}
	return nil
}

// RemoteTrack is a subscribed remote track. Read media from Track.
type RemoteTrack struct {
	participantID string
	kind          session.MediaKind
	track         *webrtc.TrackRemote
}

var _ session.RemoteTrack = (*RemoteTrack)(nil)

func (r *RemoteTrack) Kind() session.MediaKind {
	return r.kind
}

func (r *RemoteTrack) ParticipantID() string {
	return r.participantID
}

func (r *RemoteTrack) Track() *webrtc.TrackRemote {
	return r.track
}

func mediaKind(k webrtc.RTPCodecType) (session.MediaKind, bool) {
	switch k {
	case webrtc.RTPCodecTypeAudio:
		return session.MediaKindAudio, true
	case webrtc.RTPCodecTypeVideo:
		return session.MediaKindVideo, true
	default:
		return "", false
	}
}
