//go:build linux && cgo

// Package device captures camera and microphone through pion/mediadevices.
package device

import (
	"context"
	"fmt"

	"github.com/dkeye/Call/internal/adapters/media"
	"github.com/dkeye/Call/internal/call"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capturer acquires local media encoded as VP8 and Opus.
type Capturer struct {
	selector *mediadevices.CodecSelector
}

func New() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs; pass it to rtc.NewAPI.
func (c *Capturer) Populate(me *webrtc.MediaEngine) {
	c.selector.Populate(me)
}

// Devices lists what the drivers can see.
func (c *Capturer) Devices() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

func (c *Capturer) Acquire(ctx context.Context, video bool) (call.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, media.Classify(err)
	}

	tracks := stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media.device").Msg("local track ended")
			}
		})
		locals = append(locals, t)
	}
	log.Info().Str("module", "media.device").Int("tracks", len(tracks)).Bool("video", video).Msg("local media captured")

	return media.NewStream(locals, func() {
		for _, t := range tracks {
			t.Close()
		}
	}), nil
}
