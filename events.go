package session

import "fmt"

type EventType string

// Transport event types
const (
	EventTypeParticipantJoined      EventType = "participant.joined"
	EventTypeParticipantLeft        EventType = "participant.left"
	EventTypeMediaPublished         EventType = "media.published"
	EventTypeMediaUnpublished       EventType = "media.unpublished"
	EventTypeNetworkQuality         EventType = "network.quality"
	EventTypeAudioLevels            EventType = "audio.levels"
	EventTypeConnectionStateChanged EventType = "connection.state_changed"
	EventTypeException              EventType = "exception"
)

// Event is one item of a Client's push event stream.
type Event interface {
	EventType() EventType
}

type ParticipantJoined struct {
	ParticipantID string
}

type ParticipantLeft struct {
	ParticipantID string
	Reason        string
}

// MediaPublished announces a remote track. Track is nil as emitted by the
// transport; the reconciler fills it with the subscription result.
type MediaPublished struct {
	ParticipantID string
	Kind          MediaKind
	Track         RemoteTrack
}

type MediaUnpublished struct {
	ParticipantID string
	Kind          MediaKind
}

type NetworkQualitySample struct {
	Quality NetworkQuality
}

type AudioLevels struct {
	Levels []AudioLevel
}

type ConnectionStateChanged struct {
	Prev   ConnectionState
	Next   ConnectionState
	Reason string
}

// Exception is an unrecoverable transport failure.
type Exception struct {
	Code   string
	Detail string
}

func (ParticipantJoined) EventType() EventType      { return EventTypeParticipantJoined }
func (ParticipantLeft) EventType() EventType        { return EventTypeParticipantLeft }
func (MediaPublished) EventType() EventType         { return EventTypeMediaPublished }
func (MediaUnpublished) EventType() EventType       { return EventTypeMediaUnpublished }
func (NetworkQualitySample) EventType() EventType   { return EventTypeNetworkQuality }
func (AudioLevels) EventType() EventType            { return EventTypeAudioLevels }
func (ConnectionStateChanged) EventType() EventType { return EventTypeConnectionStateChanged }
func (Exception) EventType() EventType              { return EventTypeException }

// AudioLevel is one participant's volume sample, 0 to 255.
type AudioLevel struct {
	ParticipantID string
	Level         int
}

// QualityLevel follows the usual 0 (unknown) to 6 (down) transport scale.
type QualityLevel int

const (
	QualityUnknown QualityLevel = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityBad
	QualityVeryBad
	QualityDown
)

func (q QualityLevel) String() string {
	switch q {
	case QualityUnknown:
		return "unknown"
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityBad:
		return "bad"
	case QualityVeryBad:
		return "very-bad"
	case QualityDown:
		return "down"
	default:
		return fmt.Sprintf("QualityLevel(%d)", int(q))
	}
}

type NetworkQuality struct {
	Uplink   QualityLevel
	Downlink QualityLevel
}
