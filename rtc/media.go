package rtc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/bt-bridge/rtc-session/tools"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

const audioSampleSize = 16

type getUserMediaFunc func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

func (p *Provider) NewLocalAudioTrack(_ context.Context, cfg session.AudioTrackConfig) (session.LocalTrack, error) {
	stream, err := p.getUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(cfg.SampleRate)
			c.ChannelCount = prop.Int(cfg.Channels)
			c.SampleSize = prop.Int(audioSampleSize)
		},
		Codec: p.codecs,
	})
	if err != nil {
		return nil, captureError(session.MediaKindAudio, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: microphone stream has no audio track", shared.ErrDeviceNotFound)
	}
	closeExtra(tracks[1:])
	p.logger.Info(
		"microphone opened",
		zap.Int("sampleRate", cfg.SampleRate),
		zap.Int("channels", cfg.Channels),
		zap.Int("frameSamples", tools.FrameSamples(p.audioLatency, cfg.SampleRate, cfg.Channels)),
	)
	return newLocalTrack(session.MediaKindAudio, tracks[0]), nil
}

func (p *Provider) NewLocalVideoTrack(_ context.Context, cfg session.VideoTrackConfig) (session.LocalTrack, error) {
	stream, err := p.getUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(cfg.Width)
			c.Height = prop.Int(cfg.Height)
			c.FrameRate = prop.Float(cfg.FrameRate)
		},
		Codec: p.codecs,
	})
	if err != nil {
		return nil, captureError(session.MediaKindVideo, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: camera stream has no video track", shared.ErrDeviceNotFound)
	}
	closeExtra(tracks[1:])
	p.logger.Info(
		"camera opened",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Float64("frameRate", cfg.FrameRate),
	)
	return newLocalTrack(session.MediaKindVideo, tracks[0]), nil
}

// captureError maps a capture failure onto the device sentinels. Anything
// that is not a permission problem means no usable device was found.
func captureError(kind session.MediaKind, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: opening %s device: %v", shared.ErrPermissionDenied, kind, err)
	}
	return fmt.Errorf("%w: opening %s device: %v", shared.ErrDeviceNotFound, kind, err)
}

func closeExtra(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
