package rtc

import (
	"context"
	"testing"
	"time"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func newTestClient(t *testing.T, srv *testServer) *Client {
	t.Helper()
	c := newClient(
		context.Background(),
		shared.NewNopLogger(),
		webrtc.NewAPI(),
		srv.rest(t),
		&websocket.Dialer{HandshakeTimeout: time.Second},
		session.ClientConfig{Mode: "rtc", Codec: "vp8"},
	)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) session.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// waitEvent skips events until one of type T arrives.
func waitEvent[T session.Event](t *testing.T, c *Client) T {
	t.Helper()
	for {
		if ev, ok := nextEvent(t, c).(T); ok {
			return ev
		}
	}
}

func TestClientJoin(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	id, err := c.Join(context.Background(), "app", "lobby", "tok", "alice")
	require.NoError(t, err)
	assert.Equal(t, "assigned-alice", id)
	assert.Equal(t, session.ConnectionStateConnected, c.ConnectionState())

	assert.Equal(t, session.ConnectionStateChanged{
		Prev:   session.ConnectionStateDisconnected,
		Next:   session.ConnectionStateConnecting,
		Reason: "join",
	}, nextEvent(t, c))
	assert.Equal(t, session.ConnectionStateChanged{
		Prev: session.ConnectionStateConnecting,
		Next: session.ConnectionStateConnected,
	}, nextEvent(t, c))

	_, _, joins, _ := srv.recorded()
	assert.Equal(t, []joinRequest{{AppID: "app", ParticipantID: "alice", Mode: "rtc", Codec: "vp8"}}, joins)

	_, err = c.Join(context.Background(), "app", "lobby", "tok", "alice")
	assert.Error(t, err)
}

func TestClientForwardsServerEvents(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	conn := srv.accept(t)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeParticipantJoin, ParticipantID: "bob"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeTrackPublished, ParticipantID: "bob", Kind: "audio"}))

	assert.Equal(t, session.ParticipantJoined{ParticipantID: "bob"}, waitEvent[session.ParticipantJoined](t, c))
	assert.Equal(t, session.MediaPublished{ParticipantID: "bob", Kind: session.MediaKindAudio}, nextEvent(t, c))
}

func TestClientJoinUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	srv.setJoinStatus(fasthttp.StatusUnauthorized)
	c := newTestClient(t, srv)

	_, err := c.Join(context.Background(), "app", "lobby", "bad", "alice")
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.Equal(t, session.ConnectionStateDisconnected, c.ConnectionState())
}

func TestClientLeave(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Leave(context.Background()), "leave before join")

	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	srv.accept(t)

	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, session.ConnectionStateDisconnected, c.ConnectionState())
	_, _, _, leaves := srv.recorded()
	assert.Equal(t, []leaveRequest{{SessionID: "sess-1"}}, leaves)

	require.NoError(t, c.Leave(context.Background()))
	_, _, _, leaves = srv.recorded()
	assert.Len(t, leaves, 1)
}

func TestClientLeaveDuringJoin(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	seen, release := srv.holdJoins(t)

	errC := make(chan error, 1)
	go func() {
		_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
		errC <- err
	}()
	<-seen

	require.NoError(t, c.Leave(context.Background()))
	assert.ErrorIs(t, <-errC, errJoinCanceled)
	assert.Equal(t, session.ConnectionStateDisconnected, c.ConnectionState())

	// the server finishes the held join; that session is left again
	release()
	require.Eventually(t, func() bool {
		_, _, _, leaves := srv.recorded()
		return len(leaves) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, _, leaves := srv.recorded()
	assert.Equal(t, []leaveRequest{{SessionID: "sess-1"}}, leaves)

	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	srv.accept(t)
	assert.Equal(t, session.ConnectionStateConnected, c.ConnectionState())
}

func TestClientJoinWhileJoining(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	seen, release := srv.holdJoins(t)

	errC := make(chan error, 1)
	go func() {
		_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
		errC <- err
	}()
	<-seen

	_, err := c.Join(context.Background(), "app", "lobby", "", "bob")
	assert.ErrorContains(t, err, "in progress")

	release()
	require.NoError(t, <-errC)
	srv.accept(t)

	_, _, joins, _ := srv.recorded()
	require.Len(t, joins, 1)
	assert.Equal(t, "alice", joins[0].ParticipantID)
}

func TestClientNotJoined(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	assert.ErrorIs(t, c.Publish(context.Background()), shared.ErrNotJoined)
	_, err := c.Subscribe(context.Background(), "bob", session.MediaKindAudio)
	assert.ErrorIs(t, err, shared.ErrNotJoined)
}

type foreignTrack struct{}

func (foreignTrack) Kind() session.MediaKind                { return session.MediaKindAudio }
func (foreignTrack) Enabled() bool                          { return true }
func (foreignTrack) SetEnabled(context.Context, bool) error { return nil }
func (foreignTrack) Stop() error                            { return nil }

func TestClientPublishForeignTrack(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)

	err = c.Publish(context.Background(), foreignTrack{})
	assert.ErrorIs(t, err, shared.ErrUnsupportedMedia)
}

func TestClientSubscribeRejected(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	conn := srv.accept(t)

	go func() {
		var req Message
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != MessageTypeSubscribe || req.ParticipantID != "bob" || req.Kind != "video" {
			return
		}
		_ = conn.WriteJSON(Message{Type: MessageTypeError, RequestID: req.RequestID, Code: "forbidden"})
	}()

	_, err = c.Subscribe(context.Background(), "bob", session.MediaKindVideo)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestClientSubscribeAfterTrackRetired(t *testing.T) {
	tests := []struct {
		name    string
		retire  Message
		evicted session.MediaKind
	}{
		{
			name:    "Unpublished",
			retire:  Message{Type: MessageTypeTrackUnpublished, ParticipantID: "bob", Kind: "video"},
			evicted: session.MediaKindVideo,
		},
		{
			name:    "Participant left",
			retire:  Message{Type: MessageTypeParticipantLeave, ParticipantID: "bob", Reason: "quit"},
			evicted: session.MediaKindAudio,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			c := newTestClient(t, srv)
			_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
			require.NoError(t, err)
			conn := srv.accept(t)

			c.mu.Lock()
			c.remotes[trackKey{participantID: "bob", kind: tt.evicted}] = &webrtc.TrackRemote{}
			c.mu.Unlock()

			cached, err := c.Subscribe(context.Background(), "bob", tt.evicted)
			require.NoError(t, err, "served from the cache without a request")
			assert.Equal(t, "bob", cached.ParticipantID())

			require.NoError(t, conn.WriteJSON(tt.retire))
			ev, ok := tt.retire.Event()
			require.True(t, ok)
			for got := nextEvent(t, c); got != ev; got = nextEvent(t, c) {
			}

			reqC := make(chan Message, 1)
			go func() {
				var req Message
				if err := conn.ReadJSON(&req); err != nil {
					return
				}
				reqC <- req
				_ = conn.WriteJSON(Message{Type: MessageTypeError, RequestID: req.RequestID, Code: "forbidden"})
			}()

			_, err = c.Subscribe(context.Background(), "bob", tt.evicted)
			assert.ErrorIs(t, err, shared.ErrForbidden)
			req := <-reqC
			assert.Equal(t, MessageTypeSubscribe, req.Type)
			assert.Equal(t, string(tt.evicted), req.Kind)
		})
	}
}

func TestClientSubscribeTimeout(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	srv.accept(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Subscribe(ctx, "bob", session.MediaKindAudio)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientSignalingLost(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)
	conn := srv.accept(t)

	require.NoError(t, conn.Close())

	ex := waitEvent[session.Exception](t, c)
	assert.Equal(t, "signaling_lost", ex.Code)
	assert.Equal(t, session.ConnectionStateFailed, c.ConnectionState())
}

func TestClientCloseClosesEvents(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	_, err := c.Join(context.Background(), "app", "lobby", "", "alice")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Join(context.Background(), "app", "lobby", "", "alice")
	assert.ErrorIs(t, err, shared.ErrClientClosed)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Events():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
}
