// Package source provides frame producers for the packaging pipeline. The
// synthetic generator emits a wall-clock-paced test pattern without a real
// encoder, which is enough to exercise the full packaging and delivery path
// end to end.
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/avbridge/chunkflow/media"
)

// Synthetic stream shape: 720p30 video with a 2-second GOP and 48 kHz
// stereo AAC-timed audio.
const (
	videoFrameRate  = 30
	videoGOPFrames  = 60
	videoTimescale  = 90000
	videoFrameTicks = videoTimescale / videoFrameRate

	audioSampleRate = 48000

	keyframeSize = 8 * 1024
	deltaSize    = 2 * 1024
	audioSize    = 256
)

// x264 parameter sets for a 1280x720@30 High-profile stream, used to build
// the init segment. The frame payloads are filler, so any conformant SPS/PPS
// pair matching the advertised dimensions works.
var (
	defaultSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x10, 0x00, 0x00, 0x03, 0x00,
		0x10, 0x00, 0x00, 0x03, 0x03, 0x20, 0xf1, 0x83,
		0x19, 0x60,
	}
	defaultPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}
)

// Synthetic produces a deterministic frame cadence: video at 30 fps with a
// keyframe every 2 seconds, audio as 1024-sample AAC frames. Frames are
// paced against the wall clock so downstream latency behavior resembles a
// live encoder.
type Synthetic struct {
	log   *slog.Logger
	video media.VideoParams
	audio media.AudioParams

	videoCh chan *media.Frame
	audioCh chan *media.Frame
}

// NewSynthetic creates a generator with the default 720p30 + 48 kHz shape.
// If log is nil, slog.Default() is used.
func NewSynthetic(log *slog.Logger) *Synthetic {
	if log == nil {
		log = slog.Default()
	}
	return &Synthetic{
		log: log.With("component", "synthetic-source"),
		video: media.VideoParams{
			Codec:     "avc1.64001f",
			Width:     1280,
			Height:    720,
			FrameRate: videoFrameRate,
			Bitrate:   2_500_000,
			Timescale: videoTimescale,
			SPS:       defaultSPS,
			PPS:       defaultPPS,
		},
		audio: media.AudioParams{
			Codec:      "mp4a.40.2",
			SampleRate: audioSampleRate,
			Channels:   2,
			Bitrate:    128_000,
			Timescale:  audioSampleRate,
		},
		videoCh: make(chan *media.Frame, media.VideoBufferSize),
		audioCh: make(chan *media.Frame, media.AudioBufferSize),
	}
}

// VideoParams returns the generated video track's parameters.
func (s *Synthetic) VideoParams() *media.VideoParams { return &s.video }

// AudioParams returns the generated audio track's parameters.
func (s *Synthetic) AudioParams() *media.AudioParams { return &s.audio }

// Video returns the video frame channel. Closed when Run returns.
func (s *Synthetic) Video() <-chan *media.Frame { return s.videoCh }

// Audio returns the audio frame channel. Closed when Run returns.
func (s *Synthetic) Audio() <-chan *media.Frame { return s.audioCh }

// Run generates frames until the context is cancelled, then closes both
// channels. Frames whose channel is full are dropped; the packager tolerates
// gaps the same way it tolerates a stalled live encoder.
func (s *Synthetic) Run(ctx context.Context) error {
	videoTicker := time.NewTicker(time.Second / videoFrameRate)
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(time.Second * media.AACSamplesPerFrame / audioSampleRate)
	defer audioTicker.Stop()

	defer close(s.videoCh)
	defer close(s.audioCh)

	var videoFrames, audioFrames int64
	s.log.Info("synthetic source started",
		"video", "1280x720@30", "audio", "48kHz stereo")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-videoTicker.C:
			isKey := videoFrames%videoGOPFrames == 0
			frame := &media.Frame{
				Type:     media.TrackVideo,
				PTS:      videoFrames * videoFrameTicks,
				Duration: videoFrameTicks,
				Payload:  fillerPayload(isKey),
				IsKey:    isKey,
			}
			videoFrames++
			select {
			case s.videoCh <- frame:
			default:
				s.log.Warn("video channel full, dropping frame", "pts", frame.PTS)
			}

		case <-audioTicker.C:
			frame := &media.Frame{
				Type:     media.TrackAudio,
				PTS:      audioFrames * media.AACSamplesPerFrame,
				Duration: media.AACSamplesPerFrame,
				Payload:  audioPayload(),
				IsKey:    true,
			}
			audioFrames++
			select {
			case s.audioCh <- frame:
			default:
				s.log.Warn("audio channel full, dropping frame", "pts", frame.PTS)
			}
		}
	}
}

// fillerPayload builds a deterministic pseudo-NALU payload. The container
// layer never inspects payload bytes, so a repeating pattern suffices.
func fillerPayload(isKey bool) []byte {
	size := deltaSize
	marker := byte(0x41)
	if isKey {
		size = keyframeSize
		marker = 0x65
	}
	p := make([]byte, size)
	p[0] = marker
	for i := 1; i < size; i++ {
		p[i] = byte(i)
	}
	return p
}

func audioPayload() []byte {
	p := make([]byte, audioSize)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}
