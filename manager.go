package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/rtc-session/shared"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// JoinChannelOptions selects the channel to join. Token is optional.
type JoinChannelOptions struct {
	ChannelName   string
	ParticipantID string
	Token         string
}

func (o JoinChannelOptions) validate() error {
	if o.ChannelName == "" {
		return fmt.Errorf("%w: channel name is empty", shared.ErrInvalidOptions)
	}
	if o.ParticipantID == "" {
		return fmt.Errorf("%w: participant id is empty", shared.ErrInvalidOptions)
	}
	return nil
}

// Manager owns one transport client, its local tracks and the SessionState
// built from the client's events. The application creates one Manager per
// independent session and passes it to whoever needs it.
type Manager struct {
	logger   shared.LoggerAdapter
	provider Provider
	cfg      Config

	ctx    context.Context
	cancel context.CancelCauseFunc

	initMu   sync.Mutex // serializes client construction
	toggleMu sync.Mutex // serializes read-modify-write of the mute flags

	mu             sync.Mutex
	client         Client
	reconcilerDone chan struct{}
	closed         bool
	joining        bool
	epoch          uint64 // bumped by every leave, a join in flight compares it
	state          SessionState
	connState      ConnectionState
	audio          LocalTrack
	video          LocalTrack

	obs  observers
	disp dispatcher
}

func New(ctx context.Context, logger shared.LoggerAdapter, provider Provider, cfg Config) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if provider == nil {
		return nil, shared.ErrNoProvider
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Manager{
		logger:   logger,
		provider: provider,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// State returns a copy of the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// ConnectionState returns the last connection state reported by the transport.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState
}

// Initialize creates the transport client and starts consuming its events.
// It does nothing once a client exists.
func (m *Manager) Initialize(ctx context.Context) error {
	err := m.initialize(ctx)
	m.disp.flush()
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	closed, ready := m.closed, m.client != nil
	m.mu.Unlock()
	if closed {
		return newError(KindInitialization, "initialize", shared.ErrManagerClosed)
	}
	if ready {
		return nil
	}

	// The client lives as long as the Manager, not as long as this call.
	client, err := m.provider.NewClient(m.ctx, m.cfg.Client)
	if err == nil && client == nil {
		err = shared.ErrNotInitialized
	}
	if err != nil {
		m.logger.Error("creating session client failed", err)
		classified := classify(KindInitialization, "initialize", fmt.Errorf("creating client: %w", err))
		m.mu.Lock()
		m.queueErrorLocked(classified)
		m.mu.Unlock()
		return classified
	}
	done := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := client.Close(); err != nil {
			m.logger.Warn("closing client created during Close failed", zap.Error(err))
		}
		return newError(KindInitialization, "initialize", shared.ErrManagerClosed)
	}
	m.client = client
	m.reconcilerDone = done
	m.connState = client.ConnectionState()
	m.mu.Unlock()

	go m.reconcile(client, done)
	m.logger.Info("session client initialized", zap.String("mode", m.cfg.Client.Mode))
	return nil
}

// JoinChannel joins a channel, then captures and publishes local audio and
// video. A call made while another join is in flight, or while joined,
// returns nil without doing anything. If a step after the channel join
// fails, the session is left again and the state reset before the error is
// returned.
func (m *Manager) JoinChannel(ctx context.Context, opts JoinChannelOptions) error {
	if err := opts.validate(); err != nil {
		return newError(KindJoin, "join", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError(KindJoin, "join", shared.ErrManagerClosed)
	}
	if m.joining || m.state.IsJoined || (m.client != nil && m.client.ConnectionState().Active()) {
		m.mu.Unlock()
		m.logger.Debug("join ignored, session already active", zap.String("channel", opts.ChannelName))
		return nil
	}
	m.joining = true
	epoch := m.epoch
	m.mu.Unlock()

	logger := m.logger.With(
		zap.String("channel", opts.ChannelName),
		zap.String("participant", opts.ParticipantID),
	)

	if err := m.Initialize(ctx); err != nil {
		m.endJoin(epoch)
		return err
	}
	client := m.currentClient()
	if !m.current(epoch) {
		return newError(KindJoin, "join", shared.ErrJoinAborted)
	}

	logger.Info("joining channel")
	assigned, err := client.Join(ctx, m.cfg.AppID, opts.ChannelName, opts.Token, opts.ParticipantID)
	if err != nil {
		if !m.endJoin(epoch) {
			return newError(KindJoin, "join", shared.ErrJoinAborted)
		}
		logger.Error("joining channel failed", err)
		return m.fail(classify(KindJoin, "join", fmt.Errorf("joining channel %s: %w", opts.ChannelName, err)))
	}
	if assigned == "" {
		assigned = opts.ParticipantID
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return m.abortJoin(ctx, client)
	}
	m.state.IsJoined = true
	m.state.ChannelName = opts.ChannelName
	m.state.LocalParticipantID = assigned
	m.queueStateLocked()
	m.mu.Unlock()
	m.disp.flush()
	logger.Info("channel joined", zap.String("assigned_id", assigned))

	audio, err := m.provider.NewLocalAudioTrack(ctx, m.cfg.Audio)
	if err != nil {
		return m.rollbackJoin(ctx, epoch, client, classify(KindTrackCreation, "create-audio-track", fmt.Errorf("creating local audio track: %w", err)))
	}
	if !m.adoptTrack(epoch, audio) {
		stopTrack(logger, audio)
		return m.abortJoin(ctx, client)
	}

	video, err := m.provider.NewLocalVideoTrack(ctx, m.cfg.Video)
	if err != nil {
		return m.rollbackJoin(ctx, epoch, client, classify(KindTrackCreation, "create-video-track", fmt.Errorf("creating local video track: %w", err)))
	}
	if !m.adoptTrack(epoch, video) {
		stopTrack(logger, video)
		return m.abortJoin(ctx, client)
	}

	if err := client.Publish(ctx, audio, video); err != nil {
		return m.rollbackJoin(ctx, epoch, client, classify(KindPublish, "publish", fmt.Errorf("publishing local tracks: %w", err)))
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return m.abortJoin(ctx, client)
	}
	m.joining = false
	m.state.IsPublishing = true
	m.state.LocalAudioEnabled = audio.Enabled()
	m.state.LocalVideoEnabled = video.Enabled()
	m.queueStateLocked()
	m.mu.Unlock()
	m.disp.flush()
	logger.Info("local tracks published")
	return nil
}

// LeaveChannel releases the local tracks, leaves the channel and resets the
// state. It is safe to call at any time, including during JoinChannel.
func (m *Manager) LeaveChannel(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	audio, video := m.audio, m.video
	m.audio, m.video = nil, nil
	client := m.client
	active := m.joining || m.state.IsJoined
	channel := m.state.ChannelName
	m.joining = false
	m.state = SessionState{}
	m.queueStateLocked()
	m.mu.Unlock()

	err := multierr.Combine(stopLocal(audio), stopLocal(video))
	if active && client != nil {
		if lerr := client.Leave(ctx); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("leaving channel: %w", lerr))
		}
	}
	m.disp.flush()
	if err != nil {
		m.logger.Error("leaving channel failed", err, zap.String("channel", channel))
		return m.fail(classify(KindUnknown, "leave", err))
	}
	if active {
		m.logger.Info("channel left", zap.String("channel", channel))
	}
	return nil
}

// ToggleMicrophone flips the local audio mute state. Without a local audio
// track it does nothing.
func (m *Manager) ToggleMicrophone(ctx context.Context) error {
	return m.setLocalEnabled(ctx, MediaKindAudio, nil)
}

// SetMicrophoneEnabled is ToggleMicrophone with an explicit target state.
func (m *Manager) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return m.setLocalEnabled(ctx, MediaKindAudio, &enabled)
}

func (m *Manager) ToggleCamera(ctx context.Context) error {
	return m.setLocalEnabled(ctx, MediaKindVideo, nil)
}

func (m *Manager) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return m.setLocalEnabled(ctx, MediaKindVideo, &enabled)
}

func (m *Manager) setLocalEnabled(ctx context.Context, kind MediaKind, explicit *bool) error {
	err := m.switchLocalTrack(ctx, kind, explicit)
	// flushed outside toggleMu so handlers may toggle again
	m.disp.flush()
	return err
}

func (m *Manager) switchLocalTrack(ctx context.Context, kind MediaKind, explicit *bool) error {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.Lock()
	track := m.localTrackLocked(kind)
	if track == nil {
		m.mu.Unlock()
		return nil
	}
	target := !m.localEnabledLocked(kind)
	if explicit != nil {
		target = *explicit
	}
	m.mu.Unlock()

	if err := track.SetEnabled(ctx, target); err != nil {
		m.logger.Error("toggling local track failed", err, zap.String("kind", string(kind)), zap.Bool("enabled", target))
		classified := classify(KindToggle, "toggle-"+string(kind), fmt.Errorf("setting %s enabled=%t: %w", kind, target, err))
		m.mu.Lock()
		m.queueErrorLocked(classified)
		m.mu.Unlock()
		return classified
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localTrackLocked(kind) != track {
		// left while the track was switching
		return nil
	}
	if kind == MediaKindAudio {
		m.state.LocalAudioEnabled = target
	} else {
		m.state.LocalVideoEnabled = target
	}
	m.queueStateLocked()
	m.logger.Debug("local track toggled", zap.String("kind", string(kind)), zap.Bool("enabled", target))
	return nil
}

// Close leaves the channel, closes the transport client and waits for the
// event loop to stop. Close must not be called from a handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	client, done := m.client, m.reconcilerDone
	m.mu.Unlock()

	err := m.LeaveChannel(context.Background())
	if client != nil {
		if cerr := client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing client: %w", cerr))
		}
	}
	m.cancel(shared.ErrManagerClosed)
	if done != nil {
		<-done
	}
	return err
}

func (m *Manager) currentClient() Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

// endJoin clears the join guard unless a leave already did. It reports
// whether the join was still current.
func (m *Manager) endJoin(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.joining = false
	return true
}

// adoptTrack hands a freshly created track to the Manager so a leave can
// release it. It refuses when the join was aborted meanwhile.
func (m *Manager) adoptTrack(epoch uint64, track LocalTrack) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	if track.Kind() == MediaKindVideo {
		m.video = track
	} else {
		m.audio = track
	}
	return true
}

// abortJoin finishes a join that a leave overtook. The leave already reset
// the state; the transport is asked to leave again in case the join landed
// after it, unless a newer session has started since.
func (m *Manager) abortJoin(ctx context.Context, client Client) error {
	m.mu.Lock()
	idle := !m.joining && !m.state.IsJoined
	m.mu.Unlock()
	if idle {
		if err := client.Leave(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("leaving after aborted join failed", zap.Error(err))
		}
	}
	m.logger.Info("join aborted by leave")
	return newError(KindJoin, "join", shared.ErrJoinAborted)
}

// rollbackJoin undoes a partially completed join and reports cause.
func (m *Manager) rollbackJoin(ctx context.Context, epoch uint64, client Client, cause *Error) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return m.abortJoin(ctx, client)
	}
	m.epoch++
	audio, video := m.audio, m.video
	m.audio, m.video = nil, nil
	m.joining = false
	m.state = SessionState{}
	m.queueStateLocked()
	m.mu.Unlock()

	m.logger.Error("join failed, leaving channel", cause)
	err := multierr.Combine(stopLocal(audio), stopLocal(video))
	if lerr := client.Leave(context.WithoutCancel(ctx)); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if err != nil {
		m.logger.Warn("rollback after failed join was incomplete", zap.Error(err))
	}
	m.disp.flush()
	return m.fail(cause)
}

func (m *Manager) localTrackLocked(kind MediaKind) LocalTrack {
	if kind == MediaKindVideo {
		return m.video
	}
	return m.audio
}

func (m *Manager) localEnabledLocked(kind MediaKind) bool {
	if kind == MediaKindVideo {
		return m.state.LocalVideoEnabled
	}
	return m.state.LocalAudioEnabled
}

func stopLocal(t LocalTrack) error {
	if t == nil {
		return nil
	}
	if err := t.Stop(); err != nil {
		return fmt.Errorf("stopping local %s track: %w", t.Kind(), err)
	}
	return nil
}

func stopTrack(logger shared.LoggerAdapter, t LocalTrack) {
	if err := stopLocal(t); err != nil {
		logger.Warn("releasing local track failed", zap.Error(err))
	}
}

// fail broadcasts err to the error handlers and returns it.
func (m *Manager) fail(err *Error) error {
	m.mu.Lock()
	m.queueErrorLocked(err)
	m.mu.Unlock()
	m.disp.flush()
	return err
}
