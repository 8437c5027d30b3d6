package rtc

import (
	"context"
	"fmt"
	"net/url"
	"time"

	session "github.com/bt-bridge/rtc-session"
	"github.com/bt-bridge/rtc-session/shared"
	"github.com/gorilla/websocket"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Provider is the pion backed session.Provider. One Provider may hand out
// several clients; they share the codec setup and HTTP connection pool.
type Provider struct {
	logger shared.LoggerAdapter
	api    *webrtc.API
	codecs *mediadevices.CodecSelector
	http   *fasthttp.Client
	dialer *websocket.Dialer

	audioLatency time.Duration
	getUserMedia getUserMediaFunc
}

var _ session.Provider = (*Provider)(nil)

func NewProvider(logger shared.LoggerAdapter, cfg session.Config) (*Provider, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	cfg.Defaults()

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	opusParams.BitRate = cfg.Audio.BitRate

	videoParams, err := videoEncoder(cfg.Client.Codec, cfg.Video.BitRate)
	if err != nil {
		return nil, err
	}

	codecs := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(videoParams),
	)
	mediaEngine := &webrtc.MediaEngine{}
	codecs.Populate(mediaEngine)

	return &Provider{
		logger: logger.With(zap.String("component", "rtc")),
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		codecs: codecs,
		http: &fasthttp.Client{
			Name:                "rtc-session/" + shared.Version,
			MaxIdleConnDuration: time.Minute,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Client.DialTimeout,
		},
		audioLatency: time.Duration(opusParams.Latency),
		getUserMedia: mediadevices.GetUserMedia,
	}, nil
}

func videoEncoder(name string, bitRate int) (codec.VideoEncoderBuilder, error) {
	switch name {
	case "vp8":
		p, err := vpx.NewVP8Params()
		if err != nil {
			return nil, fmt.Errorf("creating vp8 params: %w", err)
		}
		p.BitRate = bitRate
		return &p, nil
	case "vp9":
		p, err := vpx.NewVP9Params()
		if err != nil {
			return nil, fmt.Errorf("creating vp9 params: %w", err)
		}
		p.BitRate = bitRate
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: video codec %q", shared.ErrUnsupportedMedia, name)
	}
}

func (p *Provider) NewClient(ctx context.Context, cfg session.ClientConfig) (session.Client, error) {
	if cfg.ServerURL == "" {
		return nil, shared.ErrNoServerURL
	}
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	return newClient(ctx, p.logger, p.api, &restClient{
		http:    p.http,
		baseURL: base,
		timeout: cfg.DialTimeout,
	}, p.dialer, cfg), nil
}
