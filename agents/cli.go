package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/rtc"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/bt-bridge/rtc-session/tools"
	"go.uber.org/zap"
)

// SpeakerThreshold is the audio level at which a participant counts as speaking.
const SpeakerThreshold = 30

const helpText = `m  toggle microphone
c  toggle camera
s  show session state
j  join again
l  leave channel
q  quit`

// CLIAgent drives one session from a terminal. It owns the Manager and
// prints every notification it receives.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	manager *session.Manager
	opts    session.JoinChannelOptions

	mu       sync.Mutex
	draining map[session.RemoteTrack]bool
	speakers []string
	unreg    []func()
	closed   bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Spawn builds the session stack, joins opts.ChannelName and starts reading
// commands from in. It returns once the first join attempt finished.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg session.Config,
	opts session.JoinChannelOptions,
	printer *shared.Printer,
	in io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("agent", "cli"))
	a.printer = printer
	a.opts = opts
	a.draining = make(map[session.RemoteTrack]bool)
	a.done = make(chan struct{})
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	cfg.Defaults()
	if dump, err := shared.DumpYAML(cfg); err != nil {
		a.logger.Error("marshaling session config to yaml", err)
	} else if err := a.printer.Section("📋 Session Config", dump); err != nil {
		a.logger.Error("printing session config", err)
	}

	provider, err := rtc.NewProvider(a.logger, cfg)
	if err != nil {
		a.logger.Error("creating rtc provider", err)
		return err
	}
	a.manager, err = session.New(a.ctx, a.logger, provider, cfg)
	if err != nil {
		a.logger.Error("creating session manager", err)
		return err
	}
	if err := a.registerHandlers(); err != nil {
		_ = a.manager.Close()
		return err
	}

	a.println(fmt.Sprintf("\n📞 Joining %q as %q...", opts.ChannelName, opts.ParticipantID), 0)
	if err := a.manager.JoinChannel(a.ctx, opts); err != nil {
		a.logger.Error("joining channel", err)
		if session.KindOf(err) == session.KindJoin && errors.Is(err, shared.ErrInvalidOptions) {
			_ = a.manager.Close()
			return err
		}
	}
	a.println(helpText, 1)

	if in != nil {
		go a.readCommands(in)
	}
	return nil
}

func (a *CLIAgent) registerHandlers() error {
	steps := []func() (func(), error){
		func() (func(), error) { return a.manager.RegisterStateHandler(a.onState) },
		func() (func(), error) { return a.manager.RegisterRemoteJoinedHandler(a.onJoined) },
		func() (func(), error) { return a.manager.RegisterRemoteLeftHandler(a.onLeft) },
		func() (func(), error) { return a.manager.RegisterAudioLevelHandler(a.onLevels) },
		func() (func(), error) { return a.manager.RegisterErrorHandler(a.onError) },
	}
	for _, step := range steps {
		unreg, err := step()
		if err != nil {
			a.logger.Error("registering handler", err)
			return err
		}
		a.unreg = append(a.unreg, unreg)
	}
	return nil
}

func (a *CLIAgent) onState(s session.SessionState) {
	a.logger.Debug(
		"session state",
		zap.String("channel", s.ChannelName),
		zap.Bool("joined", s.IsJoined),
		zap.Bool("publishing", s.IsPublishing),
		zap.Strings("participants", s.ParticipantIDs()),
	)
	for _, p := range s.RemoteParticipants {
		a.drain(p.AudioHandle)
		a.drain(p.VideoHandle)
	}
}

// drain starts reading a remote track the first time it is seen.
func (a *CLIAgent) drain(handle session.RemoteTrack) {
	rt, ok := handle.(*rtc.RemoteTrack)
	if !ok || rt == nil {
		return
	}
	a.mu.Lock()
	if a.closed || a.draining[handle] {
		a.mu.Unlock()
		return
	}
	a.draining[handle] = true
	a.mu.Unlock()

	go func() {
		tools.DrainRemote(a.ctx, a.logger.With(
			zap.String("participant", rt.ParticipantID()),
			zap.String("kind", string(rt.Kind())),
		), rt.Track())
		a.mu.Lock()
		delete(a.draining, handle)
		a.mu.Unlock()
	}()
}

func (a *CLIAgent) onJoined(p session.RemoteParticipant) {
	a.println(fmt.Sprintf("👋 %s joined", p.ID), 0)
}

func (a *CLIAgent) onLeft(p session.RemoteParticipant, reason string) {
	if reason == "" {
		a.println(fmt.Sprintf("🚪 %s left", p.ID), 0)
		return
	}
	a.println(fmt.Sprintf("🚪 %s left (%s)", p.ID, reason), 0)
}

func (a *CLIAgent) onLevels(levels []session.AudioLevel) {
	speakers := tools.ActiveSpeakers(levels, SpeakerThreshold)
	a.mu.Lock()
	changed := !slices.Equal(speakers, a.speakers)
	a.speakers = speakers
	a.mu.Unlock()
	if changed && len(speakers) > 0 {
		a.println("🗣️  "+strings.Join(speakers, ", "), 0)
	}
}

func (a *CLIAgent) onError(err error) {
	var serr *session.Error
	if !errors.As(err, &serr) {
		a.println(fmt.Sprintf("❌ %v", err), 0)
		return
	}
	switch serr.Reason() {
	case session.ReasonPermissionDenied:
		a.println(fmt.Sprintf("❌ %s: permission denied. Check device access and your token.", serr.Kind), 0)
	case session.ReasonDeviceNotFound:
		a.println(fmt.Sprintf("❌ %s: no usable device. Please ensure your microphone and camera are connected.", serr.Kind), 0)
	case session.ReasonNetwork:
		a.println(fmt.Sprintf("❌ %s: network problem, try again.", serr.Kind), 0)
	default:
		a.println(fmt.Sprintf("❌ %v", serr), 0)
	}
}

func (a *CLIAgent) readCommands(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if a.ctx.Err() != nil {
			return
		}
		if quit := a.Command(strings.TrimSpace(scanner.Text())); quit {
			if err := a.Close(); err != nil {
				a.logger.Error("closing CLI agent", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
}

// Command runs one command line and reports whether the agent should quit.
// Operation errors are already broadcast to the error handler.
func (a *CLIAgent) Command(cmd string) (quit bool) {
	var err error
	switch cmd {
	case "":
		return false
	case "m":
		err = a.manager.ToggleMicrophone(a.ctx)
	case "c":
		err = a.manager.ToggleCamera(a.ctx)
	case "s":
		a.printState(a.manager.State())
	case "j":
		err = a.manager.JoinChannel(a.ctx, a.opts)
	case "l":
		err = a.manager.LeaveChannel(a.ctx)
	case "q":
		return true
	default:
		a.println(helpText, 1)
	}
	if err != nil {
		a.logger.Warn("command failed", zap.String("command", cmd), zap.Error(err))
	}
	return false
}

func (a *CLIAgent) printState(s session.SessionState) {
	if !s.IsJoined {
		a.println("📴 not joined", 0)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "channel: %s\n", s.ChannelName)
	fmt.Fprintf(&b, "you: %s\n", s.LocalParticipantID)
	fmt.Fprintf(&b, "microphone: %s\n", onOff(s.LocalAudioEnabled))
	fmt.Fprintf(&b, "camera: %s\n", onOff(s.LocalVideoEnabled))
	if s.NetworkQuality != nil {
		fmt.Fprintf(&b, "network: up %s, down %s\n", s.NetworkQuality.Uplink, s.NetworkQuality.Downlink)
	}
	for _, p := range s.RemoteParticipants {
		fmt.Fprintf(&b, "%s: audio %s, video %s\n", p.ID, onOff(p.HasAudio), onOff(p.HasVideo))
	}
	if err := a.printer.Section("📊 Session", b.String()); err != nil {
		a.logger.Error("printing session state", err)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close leaves the channel and tears the session down. It is safe to call
// more than once.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed || a.manager == nil {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	unreg := a.unreg
	a.unreg = nil
	a.mu.Unlock()

	a.logger.Info("closing CLI agent")
	for _, u := range unreg {
		u()
	}
	err := a.manager.Close()
	a.cancel(errors.New("CLI agent closed"))
	a.println("👋 Bye.", 0)
	close(a.done)
	return err
}
