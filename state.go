package session

// RemoteParticipant is a remote member of the joined channel. The track
// handles belong to the transport; a participant only refers to them.
type RemoteParticipant struct {
	ID          string
	HasAudio    bool
	HasVideo    bool
	AudioHandle RemoteTrack
	VideoHandle RemoteTrack
}

func (p *RemoteParticipant) setTrack(kind MediaKind, track RemoteTrack) {
	switch kind {
	case MediaKindAudio:
		p.AudioHandle = track
		p.HasAudio = track != nil
	case MediaKindVideo:
		p.VideoHandle = track
		p.HasVideo = track != nil
	}
}

// SessionState is a snapshot of one session. Values handed out by the
// Manager are copies and may be kept or modified freely.
type SessionState struct {
	ChannelName        string
	LocalParticipantID string
	IsJoined           bool
	IsPublishing       bool
	LocalAudioEnabled  bool
	LocalVideoEnabled  bool
	// RemoteParticipants is in join order, ids are unique.
	RemoteParticipants []RemoteParticipant
	// NetworkQuality is nil until the first sample arrives.
	NetworkQuality *NetworkQuality
}

// Clone returns a deep copy of s.
func (s SessionState) Clone() SessionState {
	out := s
	if s.RemoteParticipants != nil {
		out.RemoteParticipants = make([]RemoteParticipant, len(s.RemoteParticipants))
		copy(out.RemoteParticipants, s.RemoteParticipants)
	}
	if s.NetworkQuality != nil {
		q := *s.NetworkQuality
		out.NetworkQuality = &q
	}
	return out
}

// Participant looks up a remote participant by id.
func (s SessionState) Participant(id string) (RemoteParticipant, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.RemoteParticipants[i], true
	}
	return RemoteParticipant{}, false
}

func (s SessionState) indexOf(id string) int {
	for i := range s.RemoteParticipants {
		if s.RemoteParticipants[i].ID == id {
			return i
		}
	}
	return -1
}

// ParticipantIDs lists remote participant ids in join order.
func (s SessionState) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.RemoteParticipants))
	for _, p := range s.RemoteParticipants {
		ids = append(ids, p.ID)
	}
	return ids
}
