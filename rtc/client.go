package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const eventsBuffer = 256

var errJoinCanceled = errors.New("join canceled by leave")

// trackKey identifies a remote track. The server names a remote stream
// after the participant that publishes it.
type trackKey struct {
	participantID string
	kind          session.MediaKind
}

// Client joins one channel at a time over REST, a signaling websocket and
// a single peer connection.
type Client struct {
	logger shared.LoggerAdapter
	api    *webrtc.API
	rest   *restClient
	dialer *websocket.Dialer
	cfg    session.ClientConfig

	mu        sync.Mutex
	state     session.ConnectionState
	pc        *webrtc.PeerConnection
	sig       *signalConn
	readDone  chan struct{}
	channel   string
	token     string
	sessionID string
	remotes   map[trackKey]*webrtc.TrackRemote
	waiters   map[trackKey][]chan *webrtc.TrackRemote

	// set while a Join runs; Leave cancels it and waits for joinDone.
	joining    bool
	joinCancel context.CancelCauseFunc
	joinDone   chan struct{}

	// negMu serializes offer/answer exchanges on the peer connection.
	negMu   sync.Mutex
	pending *pendingRequests

	// queue holds emitted events until pump hands them to events, so
	// emitters never block on a slow consumer.
	queueMu  sync.Mutex
	queue    []session.Event
	wake     chan struct{}
	events   chan session.Event
	pumpDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ session.Client = (*Client)(nil)

// newClient starts a client that runs until Close. Cancelling ctx does not
// stop it; only its values are kept.
func newClient(
	ctx context.Context,
	logger shared.LoggerAdapter,
	api *webrtc.API,
	rest *restClient,
	dialer *websocket.Dialer,
	cfg session.ClientConfig,
) *Client {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c := &Client{
		logger:   logger,
		api:      api,
		rest:     rest,
		dialer:   dialer,
		cfg:      cfg,
		remotes:  make(map[trackKey]*webrtc.TrackRemote),
		waiters:  make(map[trackKey][]chan *webrtc.TrackRemote),
		pending:  newPendingRequests(),
		wake:     make(chan struct{}, 1),
		events:   make(chan session.Event, eventsBuffer),
		pumpDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.pump()
	return c
}

func (c *Client) Events() <-chan session.Event {
	return c.events
}

func (c *Client) ConnectionState() session.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Join(ctx context.Context, appID, channel, token, participantID string) (string, error) {
	if err := c.respectCtx(); err != nil {
		return "", shared.ErrClientClosed
	}
	c.mu.Lock()
	if c.joining {
		c.mu.Unlock()
		return "", fmt.Errorf("joining %q: another join is in progress", channel)
	}
	if c.state.Active() {
		c.mu.Unlock()
		return "", fmt.Errorf("joining %q: already %s", channel, c.state)
	}
	joinCtx, cancel := context.WithCancelCause(ctx)
	joinDone := make(chan struct{})
	c.joining, c.joinCancel, c.joinDone = true, cancel, joinDone
	c.setStateLocked(session.ConnectionStateConnecting, "join")
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining, c.joinCancel, c.joinDone = false, nil, nil
		c.mu.Unlock()
		cancel(nil)
		close(joinDone)
	}()

	resp, err := c.restJoin(joinCtx, channel, token, &joinRequest{
		AppID:         appID,
		ParticipantID: participantID,
		Mode:          c.cfg.Mode,
		Codec:         c.cfg.Codec,
	})
	if err != nil {
		c.setState(session.ConnectionStateDisconnected, err.Error())
		return "", fmt.Errorf("joining channel %q: %w", channel, err)
	}

	pc, err := c.newPeerConnection(resp.ICEServers)
	if err != nil {
		c.abandon(channel, token, resp.SessionID, nil, err)
		return "", err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := c.dialer.DialContext(joinCtx, resp.SignalURL, header)
	if err != nil {
		if cause := context.Cause(joinCtx); cause != nil {
			err = fmt.Errorf("joining channel %q: %w", channel, cause)
		} else {
			err = fmt.Errorf("%w: dialing signaling: %v", shared.ErrNetwork, err)
		}
		c.abandon(channel, token, resp.SessionID, pc, err)
		return "", err
	}
	sig := newSignalConn(ws)
	done := make(chan struct{})

	c.mu.Lock()
	if cause := context.Cause(joinCtx); cause != nil {
		c.mu.Unlock()
		err = fmt.Errorf("joining channel %q: %w", channel, cause)
		if cerr := sig.Close(); cerr != nil {
			c.logger.Warn("closing signaling of canceled join failed", zap.Error(cerr))
		}
		c.abandon(channel, token, resp.SessionID, pc, err)
		return "", err
	}
	c.pc = pc
	c.sig = sig
	c.readDone = done
	c.channel = channel
	c.token = token
	c.sessionID = resp.SessionID
	c.setStateLocked(session.ConnectionStateConnected, "")
	c.mu.Unlock()

	go c.readLoop(sig, done)

	c.logger.Info(
		"joined channel",
		zap.String("channel", channel),
		zap.String("participantID", resp.ParticipantID),
		zap.String("sessionID", resp.SessionID),
	)
	if resp.ParticipantID == "" {
		return participantID, nil
	}
	return resp.ParticipantID, nil
}

// restJoin runs the blocking REST call off the caller's goroutine so ctx
// cancellation is honored. A session the server creates after ctx is done
// is left again.
func (c *Client) restJoin(ctx context.Context, channel, token string, body *joinRequest) (*joinResponse, error) {
	type result struct {
		resp *joinResponse
		err  error
	}
	resC := make(chan result, 1)
	go func() {
		resp, err := c.rest.join(channel, token, body)
		resC <- result{resp, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			r := <-resC
			if r.err != nil || r.resp == nil {
				return
			}
			if err := c.rest.leave(channel, token, r.resp.SessionID); err != nil {
				c.logger.Warn("leaving session of canceled join failed", zap.Error(err))
			}
		}()
		return nil, context.Cause(ctx)
	case r := <-resC:
		return r.resp, r.err
	}
}

func (c *Client) newPeerConnection(extraICE []string) (*webrtc.PeerConnection, error) {
	urls := append(append([]string{}, c.cfg.ICEServers...), extraICE...)
	conf := webrtc.Configuration{}
	if len(urls) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	pc, err := c.api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.peerStateChanged(pc, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.trackArrived(track)
	})
	return pc, nil
}

// abandon undoes a half finished join.
func (c *Client) abandon(channel, token, sessionID string, pc *webrtc.PeerConnection, cause error) {
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
	}
	if err := c.rest.leave(channel, token, sessionID); err != nil {
		c.logger.Warn("leaving half joined channel failed", zap.Error(err))
	}
	c.setState(session.ConnectionStateDisconnected, cause.Error())
}

func (c *Client) peerStateChanged(pc *webrtc.PeerConnection, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != pc {
		return
	}
	c.logger.Trace("peer connection state changed", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.setStateLocked(session.ConnectionStateConnected, "")
	case webrtc.PeerConnectionStateDisconnected:
		c.setStateLocked(session.ConnectionStateReconnecting, "peer connection interrupted")
	case webrtc.PeerConnectionStateFailed:
		c.setStateLocked(session.ConnectionStateFailed, "peer connection failed")
	}
}

func (c *Client) setState(next session.ConnectionState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(next, reason)
}

func (c *Client) setStateLocked(next session.ConnectionState, reason string) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.emit(session.ConnectionStateChanged{Prev: prev, Next: next, Reason: reason})
}

// Leave tears down the joined channel. A Join still in progress is
// canceled and has undone its work when Leave returns.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.joining {
		c.joinCancel(errJoinCanceled)
		joinDone := c.joinDone
		c.mu.Unlock()
		select {
		case <-joinDone:
		case <-ctx.Done():
			return fmt.Errorf("waiting for canceled join: %w", ctx.Err())
		}
		c.mu.Lock()
	}
	pc, sig, done := c.pc, c.sig, c.readDone
	channel, token, sessionID := c.channel, c.token, c.sessionID
	if pc == nil && sig == nil {
		c.setStateLocked(session.ConnectionStateDisconnected, "leave")
		c.mu.Unlock()
		return nil
	}
	c.pc, c.sig, c.readDone = nil, nil, nil
	c.channel, c.token, c.sessionID = "", "", ""
	c.setStateLocked(session.ConnectionStateDisconnecting, "leave")
	c.dropRemotesLocked()
	c.mu.Unlock()

	var err error
	if sessionID != "" {
		errC := make(chan error, 1)
		go func() { errC <- c.rest.leave(channel, token, sessionID) }()
		select {
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		case e := <-errC:
			err = multierr.Append(err, e)
		}
	}
	if sig != nil {
		err = multierr.Append(err, sig.Close())
	}
	if pc != nil {
		err = multierr.Append(err, pc.Close())
	}
	c.pending.failAll()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.setState(session.ConnectionStateDisconnected, "leave")
	if err != nil {
		return fmt.Errorf("leaving channel %q: %w", channel, err)
	}
	c.logger.Info("left channel", zap.String("channel", channel))
	return nil
}

func (c *Client) Publish(ctx context.Context, tracks ...session.LocalTrack) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return shared.ErrNotJoined
	}
	for _, t := range tracks {
		lt, ok := t.(*localTrack)
		if !ok {
			return fmt.Errorf("%w: track %T was not created by this provider", shared.ErrUnsupportedMedia, t)
		}
		tr, err := pc.AddTransceiverFromTrack(lt.capture, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("adding %s transceiver: %w", lt.kind, err)
		}
		sender := tr.Sender()
		if err := lt.bind(sender); err != nil {
			return fmt.Errorf("binding %s sender: %w", lt.kind, err)
		}
		go drainRTCP(sender)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := c.setLocal(ctx, pc, offer); err != nil {
		return err
	}
	reply, err := c.request(ctx, &Message{Type: MessageTypeOffer, SDP: pc.LocalDescription().SDP})
	if err != nil {
		return fmt.Errorf("sending offer: %w", err)
	}
	if reply.Type != MessageTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", shared.ErrSignalingProtocol, reply.Type)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  reply.SDP,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// setLocal applies desc and waits for ICE gathering so the SDP sent to
// the server carries every candidate.
func (c *Client) setLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gathered:
		return nil
	}
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Client) Subscribe(ctx context.Context, participantID string, kind session.MediaKind) (session.RemoteTrack, error) {
	key := trackKey{participantID: participantID, kind: kind}

	c.mu.Lock()
	if c.sig == nil {
		c.mu.Unlock()
		return nil, shared.ErrNotJoined
	}
	if track, ok := c.remotes[key]; ok {
		c.mu.Unlock()
		return &RemoteTrack{participantID: participantID, kind: kind, track: track}, nil
	}
	arrived := make(chan *webrtc.TrackRemote, 1)
	c.waiters[key] = append(c.waiters[key], arrived)
	c.mu.Unlock()

	if _, err := c.request(ctx, &Message{
		Type:          MessageTypeSubscribe,
		ParticipantID: participantID,
		Kind:          string(kind),
	}); err != nil {
		c.dropWaiter(key, arrived)
		return nil, fmt.Errorf("subscribing to %s of %q: %w", kind, participantID, err)
	}

	select {
	case <-ctx.Done():
		c.dropWaiter(key, arrived)
		return nil, fmt.Errorf("waiting for %s of %q: %w", kind, participantID, ctx.Err())
	case track, ok := <-arrived:
		if !ok {
			return nil, fmt.Errorf("waiting for %s of %q: %w", kind, participantID, errRequestsAborted)
		}
		return &RemoteTrack{participantID: participantID, kind: kind, track: track}, nil
	}
}

func (c *Client) trackArrived(track *webrtc.TrackRemote) {
	kind, ok := mediaKind(track.Kind())
	if !ok {
		return
	}
	key := trackKey{participantID: track.StreamID(), kind: kind}
	c.logger.Debug(
		"remote track arrived",
		zap.String("participantID", key.participantID),
		zap.String("kind", string(kind)),
		zap.String("codec", track.Codec().MimeType),
	)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remotes[key] = track
	for _, w := range c.waiters[key] {
		w <- track
	}
	delete(c.waiters, key)
}

func (c *Client) dropWaiter(key trackKey, w chan *webrtc.TrackRemote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[key]
	for i := range ws {
		if ws[i] == w {
			c.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// forget drops the cached remote tracks ev retires, so the next Subscribe
// for them asks the server again.
func (c *Client) forget(ev session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case session.MediaUnpublished:
		delete(c.remotes, trackKey{participantID: e.ParticipantID, kind: e.Kind})
	case session.ParticipantLeft:
		delete(c.remotes, trackKey{participantID: e.ParticipantID, kind: session.MediaKindAudio})
		delete(c.remotes, trackKey{participantID: e.ParticipantID, kind: session.MediaKindVideo})
	}
}

func (c *Client) dropRemotesLocked() {
	for key, ws := range c.waiters {
		for _, w := range ws {
			close(w)
		}
		delete(c.waiters, key)
	}
	clear(c.remotes)
}

// request sends msg with a fresh request id and waits for the reply.
func (c *Client) request(ctx context.Context, msg *Message) (*Message, error) {
	c.mu.Lock()
	sig := c.sig
	c.mu.Unlock()
	if sig == nil {
		return nil, shared.ErrNotJoined
	}
	msg.RequestID = uuid.NewString()
	ch := c.pending.add(msg.RequestID)
	if err := sig.Send(msg); err != nil {
		c.pending.remove(msg.RequestID)
		return nil, err
	}
	return c.pending.wait(ctx, msg.RequestID, ch)
}

func (c *Client) readLoop(sig *signalConn, done chan struct{}) {
	defer close(done)
	for {
		msg, err := sig.Read()
		if errors.Is(err, shared.ErrSignalingProtocol) {
			c.logger.Warn("dropping bad signaling message", zap.Error(err))
			continue
		}
		if err != nil {
			c.signalLost(sig, err)
			return
		}
		if c.pending.resolve(msg) {
			continue
		}
		if msg.Type == MessageTypeOffer {
			go c.answer(msg)
			continue
		}
		ev, ok := msg.Event()
		if !ok {
			c.logger.Debug("ignoring signaling message", zap.String("type", string(msg.Type)))
			continue
		}
		c.forget(ev)
		c.emit(ev)
	}
}

// signalLost reports a dropped signaling socket unless it was closed by Leave.
func (c *Client) signalLost(sig *signalConn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != sig {
		return
	}
	c.logger.Error("signaling connection lost", err)
	c.pending.failAll()
	c.setStateLocked(session.ConnectionStateFailed, err.Error())
	c.emit(session.Exception{Code: "signaling_lost", Detail: err.Error()})
}

// answer handles a server initiated renegotiation, used when the server
// adds subscribed tracks to the peer connection.
func (c *Client) answer(offer *Message) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.Lock()
	pc, sig := c.pc, c.sig
	c.mu.Unlock()
	if pc == nil || sig == nil {
		return
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		c.logger.Error("applying server offer", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.logger.Error("creating answer", err)
		return
	}
	if err := c.setLocal(c.ctx, pc, answer); err != nil {
		c.logger.Error("setting answer", err)
		return
	}
	err = sig.Send(&Message{
		Type:      MessageTypeAnswer,
		RequestID: offer.RequestID,
		SDP:       pc.LocalDescription().SDP,
	})
	if err != nil {
		c.logger.Error("sending answer", err)
	}
}

// emit queues ev for delivery in emission order. It never blocks.
func (c *Client) emit(ev session.Event) {
	c.queueMu.Lock()
	c.queue = append(c.queue, ev)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) pump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()
		for _, ev := range batch {
			select {
			case c.events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

// Close leaves the channel and closes Events. Further calls return the
// first call's result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Leave(context.Background())
		c.cancel(shared.ErrClientClosed)
		<-c.pumpDone
		close(c.events)
	})
	return c.closeErr
}
