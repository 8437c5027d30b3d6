package tools

import (
	"context"
	"errors"
	"io"

	"github.com/bt-bridge/rtc-session/shared"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DrainStats counts what DrainRemote consumed.
type DrainStats struct {
	Packets int
	Bytes   int
	Empty   int
}

// DrainRemote reads a remote track until it ends or ctx is done. Pion
// stops delivering media for a track nobody reads.
func DrainRemote(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote) DrainStats {
	codec := track.Codec()
	logger.Info("draining remote track",
		zap.String("streamID", track.StreamID()),
		zap.String("codec", codec.MimeType),
		zap.Uint32("clockRate", codec.ClockRate),
	)
	stats := Drain(ctx, logger, track)
	logger.Info("remote track ended",
		zap.String("streamID", track.StreamID()),
		zap.Int("packets", stats.Packets),
		zap.Int("bytes", stats.Bytes),
	)
	return stats
}

func Drain(ctx context.Context, logger shared.LoggerAdapter, r RTPReader) (stats DrainStats) {
	for {
		select {
		case <-ctx.Done():
			return stats
		default:
		}
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return stats
		}
		if len(pkt.Payload) == 0 {
			stats.Empty++
			continue
		}
		stats.Packets++
		stats.Bytes += len(pkt.Payload)
	}
}
