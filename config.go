package session

import (
	"fmt"
	"time"

	"github.com/bt-bridge/rtc-session/shared"
)

// Config holds the Manager settings. Zero fields are filled by Defaults.
type Config struct {
	AppID            string           `yaml:"app_id"`
	Client           ClientConfig     `yaml:"client"`
	Audio            AudioTrackConfig `yaml:"audio"`
	Video            VideoTrackConfig `yaml:"video"`
	SubscribeTimeout time.Duration    `yaml:"subscribe_timeout"`
}

type ClientConfig struct {
	ServerURL   string        `yaml:"server_url"`
	ICEServers  []string      `yaml:"ice_servers"`
	Mode        string        `yaml:"mode"` // "rtc" or "live"
	Codec       string        `yaml:"codec"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type AudioTrackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitRate    int `yaml:"bit_rate"`
}

type VideoTrackConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
	BitRate   int     `yaml:"bit_rate"`
}

const (
	defaultMode             = "rtc"
	defaultCodec            = "vp8"
	defaultDialTimeout      = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
)

func DefaultConfig() Config {
	var c Config
	c.Defaults()
	return c
}

// Defaults fills every zero field with its default.
func (c *Config) Defaults() {
	if c.Client.Mode == "" {
		c.Client.Mode = defaultMode
	}
	if c.Client.Codec == "" {
		c.Client.Codec = defaultCodec
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = defaultDialTimeout
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.BitRate == 0 {
		c.Audio.BitRate = 32000
	}
	if c.Video.Width == 0 {
		c.Video.Width = 640
	}
	if c.Video.Height == 0 {
		c.Video.Height = 480
	}
	if c.Video.FrameRate == 0 {
		c.Video.FrameRate = 30
	}
	if c.Video.BitRate == 0 {
		c.Video.BitRate = 500000
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = defaultSubscribeTimeout
	}
}

func (c *Config) Validate() error {
	if c.AppID == "" {
		return shared.ErrNoAppID
	}
	switch c.Client.Mode {
	case "rtc", "live":
	default:
		return fmt.Errorf("unknown client mode %q", c.Client.Mode)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video size %dx%d", c.Video.Width, c.Video.Height)
	}
	return nil
}
