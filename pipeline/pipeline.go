// Package pipeline drives a single stream's packetizer from its frame
// source. It drains the source's video and audio channels on one goroutine,
// decides segment-flush instants from elapsed track time, and surfaces
// unrecoverable packaging errors to the caller.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/avbridge/chunkflow/media"
	"github.com/avbridge/chunkflow/packager"
)

// Source supplies a stream's track parameters and frame channels. A nil
// params value disables the track; its channel must then be nil as well.
// Channels close when the source ends.
type Source interface {
	VideoParams() *media.VideoParams
	AudioParams() *media.AudioParams
	Video() <-chan *media.Frame
	Audio() <-chan *media.Frame
}

// Pipeline bridges one Source and one SegmentPacketizer. The packetizer has
// no internal timers; this is the surrounding layer that tells it when a
// segment's worth of track time has elapsed. Video segments are cut only at
// keyframes so every segment starts with a sync sample.
type Pipeline struct {
	log    *slog.Logger
	pkt    packager.SegmentPacketizer
	src    Source
	segDur float64

	video trackClock
	audio trackClock

	videoForwarded atomic.Int64
	audioForwarded atomic.Int64
}

// New creates a Pipeline flushing segments every segmentDuration seconds of
// track time. If log is nil, slog.Default() is used.
func New(pkt packager.SegmentPacketizer, src Source, segmentDuration float64, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:    log.With("component", "pipeline"),
		pkt:    pkt,
		src:    src,
		segDur: segmentDuration,
	}
	if v := src.VideoParams(); v != nil {
		p.video = trackClock{timescale: v.Timescale, target: segmentDuration}
	}
	if a := src.AudioParams(); a != nil {
		p.audio = trackClock{timescale: a.Timescale, target: segmentDuration}
	}
	return p
}

// VideoForwarded returns the number of video frames appended so far.
func (p *Pipeline) VideoForwarded() int64 { return p.videoForwarded.Load() }

// AudioForwarded returns the number of audio frames appended so far.
func (p *Pipeline) AudioForwarded() int64 { return p.audioForwarded.Load() }

// Run publishes the init segments and then forwards frames until the
// context is cancelled or both channels close. Remaining samples are flushed
// as a final segment on the way out. An append failure is unrecoverable and
// ends the run.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.src.VideoParams() != nil {
		if err := p.pkt.WriteVideoInit(); err != nil {
			return fmt.Errorf("write video init: %w", err)
		}
	}
	if p.src.AudioParams() != nil {
		if err := p.pkt.WriteAudioInit(); err != nil {
			return fmt.Errorf("write audio init: %w", err)
		}
	}

	videoCh := p.src.Video()
	audioCh := p.src.Audio()

	defer p.finalFlush()

	for {
		if videoCh == nil && audioCh == nil {
			return nil
		}

		// Priority drain: forward video first so audio (more frames per
		// second at typical configurations) cannot starve video delivery
		// under Go's random select scheduling.
		if videoCh != nil {
			select {
			case frame, ok := <-videoCh:
				if !ok {
					videoCh = nil
					continue
				}
				if err := p.handleVideo(frame); err != nil {
					return err
				}
				continue
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			if err := p.handleVideo(frame); err != nil {
				return err
			}

		case frame, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			if err := p.handleAudio(frame); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handleVideo(frame *media.Frame) error {
	if p.video.segmentElapsed(frame, true) {
		if err := p.pkt.WriteVideoSegment(); err != nil {
			p.log.Error("video segment write failed", "error", err)
		}
	}
	if err := p.pkt.AppendVideoFrame(frame); err != nil {
		return fmt.Errorf("video append: %w", err)
	}
	p.videoForwarded.Add(1)
	return nil
}

func (p *Pipeline) handleAudio(frame *media.Frame) error {
	if p.audio.segmentElapsed(frame, false) {
		if err := p.pkt.WriteAudioSegment(); err != nil {
			p.log.Error("audio segment write failed", "error", err)
		}
	}
	if err := p.pkt.AppendAudioFrame(frame); err != nil {
		return fmt.Errorf("audio append: %w", err)
	}
	p.audioForwarded.Add(1)
	return nil
}

// finalFlush publishes whatever both writers still hold when the stream
// ends. Empty flushes are no-ops, so this is safe for tracks that never
// produced a frame.
func (p *Pipeline) finalFlush() {
	if p.src.VideoParams() != nil {
		if err := p.pkt.WriteVideoSegment(); err != nil {
			p.log.Error("final video flush failed", "error", err)
		}
	}
	if p.src.AudioParams() != nil {
		if err := p.pkt.WriteAudioSegment(); err != nil {
			p.log.Error("final audio flush failed", "error", err)
		}
	}
}

// trackClock tracks elapsed segment time for one track from its frame
// timestamps.
type trackClock struct {
	timescale uint32
	target    float64
	segStart  int64
	started   bool
}

// segmentElapsed reports whether a full segment has elapsed before frame and
// resets the window when it has. With keyOnly set, the boundary waits for
// the next keyframe so the new segment starts with a sync sample.
func (c *trackClock) segmentElapsed(frame *media.Frame, keyOnly bool) bool {
	if !c.started {
		c.segStart = frame.PTS
		c.started = true
		return false
	}
	if keyOnly && !frame.IsKey {
		return false
	}
	if c.timescale == 0 {
		return false
	}
	elapsed := float64(frame.PTS-c.segStart) / float64(c.timescale)
	if elapsed < c.target {
		return false
	}
	c.segStart = frame.PTS
	return true
}
