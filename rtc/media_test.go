package rtc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubProvider(gum getUserMediaFunc) *Provider {
	return &Provider{logger: shared.NewNopLogger(), getUserMedia: gum}
}

func TestCaptureErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "Permission denied",
			err:    fmt.Errorf("open /dev/video0: %w", fs.ErrPermission),
			target: shared.ErrPermissionDenied,
		},
		{
			name:   "No driver",
			err:    errors.New("failed to find the best driver that fits the constraints"),
			target: shared.ErrDeviceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := stubProvider(func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
				return nil, tt.err
			})
			_, err := p.NewLocalAudioTrack(context.Background(), session.AudioTrackConfig{SampleRate: 48000, Channels: 1})
			assert.ErrorIs(t, err, tt.target)
			_, err = p.NewLocalVideoTrack(context.Background(), session.VideoTrackConfig{Width: 640, Height: 480})
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestCaptureEmptyStream(t *testing.T) {
	var seen mediadevices.MediaStreamConstraints
	p := stubProvider(func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		seen = c
		return mediadevices.NewMediaStream()
	})

	_, err := p.NewLocalAudioTrack(context.Background(), session.AudioTrackConfig{SampleRate: 48000, Channels: 1})
	assert.ErrorIs(t, err, shared.ErrDeviceNotFound)
	assert.NotNil(t, seen.Audio)
	assert.Nil(t, seen.Video)

	_, err = p.NewLocalVideoTrack(context.Background(), session.VideoTrackConfig{Width: 640, Height: 480})
	assert.ErrorIs(t, err, shared.ErrDeviceNotFound)
	assert.NotNil(t, seen.Video)
}

func TestVideoEncoder(t *testing.T) {
	_, err := videoEncoder("h265", 500_000)
	assert.ErrorIs(t, err, shared.ErrUnsupportedMedia)

	enc, err := videoEncoder("vp8", 500_000)
	require.NoError(t, err)
	assert.NotNil(t, enc)
}

func TestNewProviderRequiresLogger(t *testing.T) {
	_, err := NewProvider(nil, session.Config{AppID: "app"})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestNewClientRequiresServerURL(t *testing.T) {
	p := stubProvider(nil)
	_, err := p.NewClient(context.Background(), session.ClientConfig{})
	assert.ErrorIs(t, err, shared.ErrNoServerURL)
}
