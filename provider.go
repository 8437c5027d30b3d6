package session

import (
	"context"
	"fmt"
)

// MediaKind identifies the kind of a media track.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// ConnectionState is the transport's view of the link to the channel.
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	ConnectionStateDisconnecting
	ConnectionStateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateDisconnecting:
		return "disconnecting"
	case ConnectionStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Active reports whether a join is in flight or established.
func (s ConnectionState) Active() bool {
	return s == ConnectionStateConnecting || s == ConnectionStateConnected || s == ConnectionStateReconnecting
}

// Provider is the transport capability the Manager consumes. Implementations
// own every handle they return; the Manager only stops its own local tracks.
type Provider interface {
	NewClient(ctx context.Context, cfg ClientConfig) (Client, error)
	NewLocalAudioTrack(ctx context.Context, cfg AudioTrackConfig) (LocalTrack, error)
	NewLocalVideoTrack(ctx context.Context, cfg VideoTrackConfig) (LocalTrack, error)
}

// Client is one transport client context. Events must deliver events in
// emission order and be closed by Close.
type Client interface {
	// Join joins channel and returns the participant id assigned by the transport.
	Join(ctx context.Context, appID, channel, token, participantID string) (string, error)
	// Leave must tolerate being called when not joined.
	Leave(ctx context.Context) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	// Subscribe requests the published media of a remote participant and
	// returns a playable handle.
	Subscribe(ctx context.Context, participantID string, kind MediaKind) (RemoteTrack, error)
	ConnectionState() ConnectionState
	Events() <-chan Event
	Close() error
}

// LocalTrack is a captured local media track.
type LocalTrack interface {
	Kind() MediaKind
	Enabled() bool
	SetEnabled(ctx context.Context, enabled bool) error
	// Stop releases the capture device. Calling it more than once is a no-op.
	Stop() error
}

// RemoteTrack is an opaque, provider-owned handle to a subscribed remote track.
type RemoteTrack interface {
	Kind() MediaKind
	ParticipantID() string
}
