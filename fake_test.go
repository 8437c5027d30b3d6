package session

import (
	"context"
	"sync"
)

type fakeTrack struct {
	kind MediaKind

	mu      sync.Mutex
	enabled bool
	stops   int
	setErr  error
}

func newFakeTrack(kind MediaKind) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(_ context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setErr != nil {
		return t.setErr
	}
	t.enabled = enabled
	return nil
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

func (t *fakeTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeRemote struct {
	kind MediaKind
	pid  string
}

func (r *fakeRemote) Kind() MediaKind       { return r.kind }
func (r *fakeRemote) ParticipantID() string { return r.pid }

// gate lets a test hold a fake call until it is released. entered is
// closed when the call starts waiting.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	if g == nil {
		return
	}
	close(g.entered)
	<-g.release
}

type fakeProvider struct {
	mu             sync.Mutex
	client         *fakeClient
	newClientErr   error
	newClientCalls int
	newClientGate  *gate
	clientCtx      context.Context
	audioErr       error
	videoErr       error
	audioGate      *gate
	audioTracks    []*fakeTrack
	videoTracks    []*fakeTrack
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{client: newFakeClient()}
}

func (p *fakeProvider) NewClient(ctx context.Context, _ ClientConfig) (Client, error) {
	p.mu.Lock()
	g := p.newClientGate
	p.mu.Unlock()
	g.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newClientCalls++
	p.clientCtx = ctx
	if p.newClientErr != nil {
		return nil, p.newClientErr
	}
	return p.client, nil
}

func (p *fakeProvider) NewLocalAudioTrack(context.Context, AudioTrackConfig) (LocalTrack, error) {
	p.mu.Lock()
	g, err := p.audioGate, p.audioErr
	p.mu.Unlock()
	g.wait()
	if err != nil {
		return nil, err
	}
	t := newFakeTrack(MediaKindAudio)
	p.mu.Lock()
	p.audioTracks = append(p.audioTracks, t)
	p.mu.Unlock()
	return t, nil
}

func (p *fakeProvider) NewLocalVideoTrack(context.Context, VideoTrackConfig) (LocalTrack, error) {
	p.mu.Lock()
	err := p.videoErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := newFakeTrack(MediaKindVideo)
	p.mu.Lock()
	p.videoTracks = append(p.videoTracks, t)
	p.mu.Unlock()
	return t, nil
}

func (p *fakeProvider) tracks() (audio, video []*fakeTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeTrack(nil), p.audioTracks...), append([]*fakeTrack(nil), p.videoTracks...)
}

type fakeClient struct {
	events chan Event

	mu           sync.Mutex
	state        ConnectionState
	joinCalls    int
	leaveCalls   int
	publishCalls int
	subscribed   []string
	joinErr      error
	publishErr   error
	subscribeErr error
	joinGate     *gate
	subGate      *gate
	closed       bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 64)}
}

func (c *fakeClient) Join(_ context.Context, _, _, _, participantID string) (string, error) {
	c.mu.Lock()
	c.joinCalls++
	g, err := c.joinGate, c.joinErr
	c.mu.Unlock()
	g.wait()
	if err != nil {
		return "", err
	}
	return participantID, nil
}

func (c *fakeClient) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveCalls++
	c.state = ConnectionStateDisconnected
	return nil
}

func (c *fakeClient) Publish(_ context.Context, _ ...LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCalls++
	return c.publishErr
}

func (c *fakeClient) Subscribe(_ context.Context, participantID string, kind MediaKind) (RemoteTrack, error) {
	c.mu.Lock()
	g := c.subGate
	c.mu.Unlock()
	g.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, participantID+"/"+string(kind))
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	return &fakeRemote{kind: kind, pid: participantID}, nil
}

func (c *fakeClient) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) counts() (join, leave, publish int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinCalls, c.leaveCalls, c.publishCalls
}
