package session

type NoticeKind int

const (
	NoticeStateChanged NoticeKind = iota
	NoticeRemoteJoined
	NoticeRemoteLeft
	NoticeAudioLevels
	NoticeError
)

// Notice is an observer notification produced by Reconcile.
type Notice struct {
	Kind        NoticeKind
	Participant RemoteParticipant
	Reason      string
	Levels      []AudioLevel
	Err         error
}

// Reconcile folds one transport event into s and returns the new state with
// the notifications it calls for. s is not modified. MediaPublished events
// must carry the subscription result in Track; a nil Track records that the
// media could not be subscribed, so the flag for that kind stays false.
func Reconcile(s SessionState, ev Event) (SessionState, []Notice) {
	switch e := ev.(type) {
	case ParticipantJoined:
		if e.ParticipantID == "" || s.indexOf(e.ParticipantID) >= 0 {
			return s, nil
		}
		s = s.Clone()
		p := RemoteParticipant{ID: e.ParticipantID}
		s.RemoteParticipants = append(s.RemoteParticipants, p)
		return s, []Notice{
			{Kind: NoticeRemoteJoined, Participant: p},
			{Kind: NoticeStateChanged},
		}

	case ParticipantLeft:
		i := s.indexOf(e.ParticipantID)
		if i < 0 {
			return s, nil
		}
		s = s.Clone()
		p := s.RemoteParticipants[i]
		s.RemoteParticipants = append(s.RemoteParticipants[:i:i], s.RemoteParticipants[i+1:]...)
		return s, []Notice{
			{Kind: NoticeRemoteLeft, Participant: p, Reason: e.Reason},
			{Kind: NoticeStateChanged},
		}

	case MediaPublished:
		if e.ParticipantID == "" || !e.Kind.Valid() {
			return s, nil
		}
		s = s.Clone()
		var notices []Notice
		i := s.indexOf(e.ParticipantID)
		if i < 0 {
			// media for an id we have not seen join yet
			s.RemoteParticipants = append(s.RemoteParticipants, RemoteParticipant{ID: e.ParticipantID})
			i = len(s.RemoteParticipants) - 1
			notices = append(notices, Notice{Kind: NoticeRemoteJoined, Participant: s.RemoteParticipants[i]})
		}
		s.RemoteParticipants[i].setTrack(e.Kind, e.Track)
		return s, append(notices, Notice{Kind: NoticeStateChanged})

	case MediaUnpublished:
		i := s.indexOf(e.ParticipantID)
		if i < 0 || !e.Kind.Valid() {
			return s, nil
		}
		s = s.Clone()
		s.RemoteParticipants[i].setTrack(e.Kind, nil)
		return s, []Notice{{Kind: NoticeStateChanged}}

	case NetworkQualitySample:
		s = s.Clone()
		q := e.Quality
		s.NetworkQuality = &q
		return s, []Notice{{Kind: NoticeStateChanged}}

	case AudioLevels:
		levels := make([]AudioLevel, len(e.Levels))
		copy(levels, e.Levels)
		return s, []Notice{{Kind: NoticeAudioLevels, Levels: levels}}

	case Exception:
		return s, []Notice{{Kind: NoticeError, Err: newError(KindUnknown, "exception", &ExceptionError{Code: e.Code, Detail: e.Detail})}}

	default:
		// ConnectionStateChanged and unknown events leave the state alone.
		return s, nil
	}
}
