package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// reconcile consumes the client's events one at a time until the stream
// closes or the Manager is closed.
func (m *Manager) reconcile(client Client, done chan struct{}) {
	defer close(done)
	events := client.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Debug("transport event stream closed")
				return
			}
			m.handleEvent(client, ev)
		}
	}
}

func (m *Manager) handleEvent(client Client, ev Event) {
	if ev == nil {
		return
	}
	m.logger.Trace("transport event", zap.String("type", string(ev.EventType())))

	var (
		subErr *Error
		// epoch of the session a subscribed event belongs to
		epoch    uint64
		hasEpoch bool
	)
	switch e := ev.(type) {
	case ConnectionStateChanged:
		m.mu.Lock()
		m.connState = e.Next
		m.mu.Unlock()
		m.logger.Info(
			"connection state changed",
			zap.Stringer("prev", e.Prev),
			zap.Stringer("next", e.Next),
			zap.String("reason", e.Reason),
		)
		return
	case ParticipantLeft:
		m.logger.Debug("remote participant left", zap.String("participant", e.ParticipantID), zap.String("reason", e.Reason))
	case MediaPublished:
		cur, ok := m.acceptsMembership()
		if !ok {
			m.logger.Debug("dropping media event outside a session", zap.String("participant", e.ParticipantID))
			return
		}
		epoch, hasEpoch = cur, true
		if e.Track == nil && e.Kind.Valid() {
			track, err := m.subscribe(client, e.ParticipantID, e.Kind)
			if err != nil {
				m.logger.Error("subscribing remote media failed", err,
					zap.String("participant", e.ParticipantID),
					zap.String("kind", string(e.Kind)),
				)
				subErr = classify(KindSubscribe, "subscribe", fmt.Errorf("subscribing %s of %s: %w", e.Kind, e.ParticipantID, err))
			}
			e.Track = track
		}
		ev = e
	}

	m.mu.Lock()
	if isMembershipEvent(ev) && !m.joining && !m.state.IsJoined {
		m.mu.Unlock()
		m.logger.Debug("dropping event outside a session", zap.String("type", string(ev.EventType())))
		return
	}
	if hasEpoch && m.epoch != epoch {
		// the session was left, and maybe joined again, while subscribing
		m.mu.Unlock()
		m.logger.Debug("dropping media event of a previous session", zap.String("type", string(ev.EventType())))
		return
	}
	if subErr != nil {
		m.queueErrorLocked(subErr)
	}
	next, notices := Reconcile(m.state, ev)
	m.state = next
	m.queueNoticesLocked(notices)
	m.mu.Unlock()
	m.disp.flush()
}

func (m *Manager) subscribe(client Client, participantID string, kind MediaKind) (RemoteTrack, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SubscribeTimeout)
	defer cancel()
	track, err := client.Subscribe(ctx, participantID, kind)
	if err != nil {
		return nil, err
	}
	if track == nil {
		return nil, fmt.Errorf("transport returned no %s track for %s", kind, participantID)
	}
	return track, nil
}

// acceptsMembership reports whether a session is joining or joined, and
// the epoch identifying it.
func (m *Manager) acceptsMembership() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.joining || m.state.IsJoined
}

// isMembershipEvent reports whether ev describes the joined session and so
// must be dropped once the session is gone.
func isMembershipEvent(ev Event) bool {
	switch ev.(type) {
	case ParticipantJoined, ParticipantLeft, MediaPublished, MediaUnpublished, NetworkQualitySample:
		return true
	default:
		return false
	}
}

func (m *Manager) queueNoticesLocked(notices []Notice) {
	for _, n := range notices {
		switch n.Kind {
		case NoticeStateChanged:
			m.queueStateLocked()
		case NoticeRemoteJoined:
			p := n.Participant
			m.disp.enqueue(func() {
				for _, h := range m.obs.joined.snapshot() {
					m.deliver("remote-joined", func() { h(p) })
				}
			})
		case NoticeRemoteLeft:
			p, reason := n.Participant, n.Reason
			m.disp.enqueue(func() {
				for _, h := range m.obs.left.snapshot() {
					m.deliver("remote-left", func() { h(p, reason) })
				}
			})
		case NoticeAudioLevels:
			levels := n.Levels
			m.disp.enqueue(func() {
				for _, h := range m.obs.levels.snapshot() {
					m.deliver("audio-level", func() { h(append([]AudioLevel(nil), levels...)) })
				}
			})
		case NoticeError:
			if err, ok := n.Err.(*Error); ok {
				m.queueErrorLocked(err)
			} else {
				m.queueErrorLocked(classify(KindUnknown, "event", n.Err))
			}
		}
	}
}

// queueStateLocked schedules a state notification carrying the state as it
// is now. m.mu must be held.
func (m *Manager) queueStateLocked() {
	snap := m.state.Clone()
	m.disp.enqueue(func() {
		for _, h := range m.obs.state.snapshot() {
			m.deliver("state", func() { h(snap.Clone()) })
		}
	})
}

func (m *Manager) queueErrorLocked(err *Error) {
	m.disp.enqueue(func() {
		for _, h := range m.obs.errs.snapshot() {
			m.deliver("error", func() { h(err) })
		}
	})
}

// deliver runs one handler; a panicking handler is logged and skipped.
func (m *Manager) deliver(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("observer panicked", fmt.Errorf("%v", r), zap.String("channel", channel))
		}
	}()
	fn()
}
