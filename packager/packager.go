// Package packager turns per-track streams of encoded frames into CMAF
// chunks and segments for low-latency DASH delivery. The Packetizer owns one
// ChunkWriter and one TrackTimeline per track, pushes chunks to the chunked
// transfer sink as soon as they are serialized, finalizes segments into the
// segment store, and regenerates the manifest on every publication.
package packager

import (
	"fmt"
	"log/slog"

	"github.com/avbridge/chunkflow/manifest"
	"github.com/avbridge/chunkflow/media"
)

// Segment and init-segment file naming. Media segment names are
// <prefix>_<sequence><suffix>; init names are fixed constants independent of
// sequence numbers.
const (
	VideoSegmentSuffix = "_video.m4s"
	AudioSegmentSuffix = "_audio.m4s"
	VideoInitFileName  = "init_video.m4s"
	AudioInitFileName  = "init_audio.m4s"
)

// Track IDs used in init segments and fragment headers.
const (
	videoTrackID = 1
	audioTrackID = 2
)

// SegmentStore retains finalized segments for origin serving. A failure must
// prevent sequence-number advancement and completion notification, so a
// segment is never advertised that was never stored.
type SegmentStore interface {
	SetSegmentData(name string, duration float64, startTimestamp int64, payload []byte) error
}

// ChunkedTransfer receives low-latency partial payloads as soon as the
// writer produces them, and a completion signal once the full segment has
// been stored. Both calls are best-effort notifications; the packetizer does
// not retry or block on their outcome.
type ChunkedTransfer interface {
	OnChunkPush(app, stream, name string, isVideo bool, chunk []byte)
	OnSegmentComplete(app, stream, name string, isVideo bool)
}

// SegmentPacketizer is the capability implemented by packetizer variants.
type SegmentPacketizer interface {
	WriteVideoInit() error
	WriteAudioInit() error
	AppendVideoFrame(f *media.Frame) error
	AppendAudioFrame(f *media.Frame) error
	WriteVideoSegment() error
	WriteAudioSegment() error
}

// Config assembles a Packetizer. Store is required; Transfer and Manifest
// are optional. At least one of Video and Audio must be set.
type Config struct {
	App    string
	Stream string

	// SegmentPrefix is the filename prefix shared by both tracks' media
	// segments. Defaults to the stream name.
	SegmentPrefix string

	// SegmentDuration is the target segment length in seconds.
	SegmentDuration float64

	// ChunkDuration is the target chunk length in seconds; zero emits one
	// chunk per frame.
	ChunkDuration float64

	Video *media.VideoParams
	Audio *media.AudioParams

	Store    SegmentStore
	Transfer ChunkedTransfer
	Manifest *manifest.Generator

	Log *slog.Logger
}

// Compile-time interface check.
var _ SegmentPacketizer = (*Packetizer)(nil)

// Packetizer orchestrates both tracks of one stream. It holds non-owning
// references to its store and transfer sink; their lifetimes are managed by
// the surrounding pipeline, which must not let them die before the
// packetizer. All methods are synchronous; segment flushing is driven by the
// caller, never by internal timers.
type Packetizer struct {
	cfg Config
	log *slog.Logger

	videoWriter   *ChunkWriter
	audioWriter   *ChunkWriter
	videoTimeline *TrackTimeline
	audioTimeline *TrackTimeline
}

// New creates a Packetizer for the configured tracks.
func New(cfg Config) (*Packetizer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("packager: Store is required")
	}
	if cfg.Video == nil && cfg.Audio == nil {
		return nil, fmt.Errorf("packager: at least one track is required")
	}
	if cfg.SegmentPrefix == "" {
		cfg.SegmentPrefix = cfg.Stream
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	p := &Packetizer{
		cfg: cfg,
		log: log.With("component", "packager", "stream", cfg.Stream),
	}
	if cfg.Video != nil {
		p.videoWriter = NewChunkWriter(WriterConfig{
			TrackID:         videoTrackID,
			Timescale:       cfg.Video.Timescale,
			Track:           media.TrackVideo,
			SegmentDuration: cfg.SegmentDuration,
			ChunkDuration:   cfg.ChunkDuration,
		})
		p.videoTimeline = NewTrackTimeline(cfg.Video.Timescale)
	}
	if cfg.Audio != nil {
		p.audioWriter = NewChunkWriter(WriterConfig{
			TrackID:         audioTrackID,
			Timescale:       cfg.Audio.Timescale,
			Track:           media.TrackAudio,
			SegmentDuration: cfg.SegmentDuration,
			ChunkDuration:   cfg.ChunkDuration,
		})
		p.audioTimeline = NewTrackTimeline(cfg.Audio.Timescale)
	}
	return p, nil
}

func (p *Packetizer) videoFileName() string {
	return fmt.Sprintf("%s_%d%s", p.cfg.SegmentPrefix, p.videoTimeline.SequenceNumber(), VideoSegmentSuffix)
}

func (p *Packetizer) audioFileName() string {
	return fmt.Sprintf("%s_%d%s", p.cfg.SegmentPrefix, p.audioTimeline.SequenceNumber(), AudioSegmentSuffix)
}

// WriteVideoInit publishes the video initialization segment: stored under
// its fixed name and pushed on the chunked path, since clients must receive
// it before the first media chunk.
func (p *Packetizer) WriteVideoInit() error {
	if p.cfg.Video == nil {
		return fmt.Errorf("%w: video", ErrMissingTrack)
	}
	data, err := BuildVideoInit(*p.cfg.Video, videoTrackID)
	if err != nil {
		return fmt.Errorf("build video init: %w", err)
	}
	if err := p.cfg.Store.SetSegmentData(VideoInitFileName, 0, 0, data); err != nil {
		return fmt.Errorf("store video init: %w", err)
	}
	if p.cfg.Transfer != nil {
		p.cfg.Transfer.OnChunkPush(p.cfg.App, p.cfg.Stream, VideoInitFileName, true, data)
	}
	p.log.Debug("video init published", "bytes", len(data))
	return nil
}

// WriteAudioInit publishes the audio initialization segment.
func (p *Packetizer) WriteAudioInit() error {
	if p.cfg.Audio == nil {
		return fmt.Errorf("%w: audio", ErrMissingTrack)
	}
	data, err := BuildAudioInit(*p.cfg.Audio, audioTrackID)
	if err != nil {
		return fmt.Errorf("build audio init: %w", err)
	}
	if err := p.cfg.Store.SetSegmentData(AudioInitFileName, 0, 0, data); err != nil {
		return fmt.Errorf("store audio init: %w", err)
	}
	if p.cfg.Transfer != nil {
		p.cfg.Transfer.OnChunkPush(p.cfg.App, p.cfg.Stream, AudioInitFileName, false, data)
	}
	p.log.Debug("audio init published", "bytes", len(data))
	return nil
}

// AppendVideoFrame forwards one video frame to the track's writer. A chunk
// produced by the append is pushed to the transfer sink immediately. An
// error is unrecoverable for the track; the caller should stop or restart
// packaging for it.
func (p *Packetizer) AppendVideoFrame(f *media.Frame) error {
	if p.videoWriter == nil {
		return fmt.Errorf("%w: video", ErrMissingTrack)
	}
	chunk, err := p.videoWriter.AppendSample(f)
	if err != nil {
		return fmt.Errorf("append video sample: %w", err)
	}
	p.videoTimeline.MarkSample(f.PTS)
	if chunk != nil && p.cfg.Transfer != nil {
		p.cfg.Transfer.OnChunkPush(p.cfg.App, p.cfg.Stream, p.videoFileName(), true, chunk)
	}
	return nil
}

// AppendAudioFrame forwards one audio frame to the track's writer.
func (p *Packetizer) AppendAudioFrame(f *media.Frame) error {
	if p.audioWriter == nil {
		return fmt.Errorf("%w: audio", ErrMissingTrack)
	}
	chunk, err := p.audioWriter.AppendSample(f)
	if err != nil {
		return fmt.Errorf("append audio sample: %w", err)
	}
	p.audioTimeline.MarkSample(f.PTS)
	if chunk != nil && p.cfg.Transfer != nil {
		p.cfg.Transfer.OnChunkPush(p.cfg.App, p.cfg.Stream, p.audioFileName(), false, chunk)
	}
	return nil
}

// WriteVideoSegment finalizes the accumulated video samples into a stored
// segment. With zero buffered samples this is a successful no-op, since live
// sources legitimately have gaps. On store failure the sequence number is
// not advanced and no completion is signaled; the writer is already cleared
// so the next segment starts fresh.
func (p *Packetizer) WriteVideoSegment() error {
	if p.videoWriter == nil {
		return fmt.Errorf("%w: video", ErrMissingTrack)
	}
	return p.writeSegment(p.videoWriter, p.videoTimeline, p.videoFileName(), true)
}

// WriteAudioSegment finalizes the accumulated audio samples into a stored
// segment. Semantics match WriteVideoSegment.
func (p *Packetizer) WriteAudioSegment() error {
	if p.audioWriter == nil {
		return fmt.Errorf("%w: audio", ErrMissingTrack)
	}
	return p.writeSegment(p.audioWriter, p.audioTimeline, p.audioFileName(), false)
}

func (p *Packetizer) writeSegment(w *ChunkWriter, tl *TrackTimeline, name string, isVideo bool) error {
	if w.SampleCount() == 0 {
		p.log.Debug("no samples for segment, skipping flush", "file", name)
		return nil
	}

	start := w.StartTimestamp()
	dur := w.SegmentDuration()

	// Drain the open partial fragment so low-latency clients receive the
	// segment tail before the completion signal.
	tail, err := w.FlushChunk()
	if err != nil {
		return fmt.Errorf("flush chunk for %s: %w", name, err)
	}
	if tail != nil && p.cfg.Transfer != nil {
		p.cfg.Transfer.OnChunkPush(p.cfg.App, p.cfg.Stream, name, isVideo, tail)
	}

	data, err := w.ChunkedSegment()
	if err != nil {
		return fmt.Errorf("finalize segment %s: %w", name, err)
	}
	samples := w.SampleCount()
	w.Clear()

	if err := p.cfg.Store.SetSegmentData(name, dur, start, data); err != nil {
		return fmt.Errorf("store segment %s: %w", name, err)
	}
	if p.cfg.Transfer != nil {
		p.cfg.Transfer.OnSegmentComplete(p.cfg.App, p.cfg.Stream, name, isVideo)
	}
	tl.Advance()

	p.log.Debug("segment published",
		"file", name,
		"samples", samples,
		"bytes", len(data),
		"startPTS", start,
	)
	p.publishManifest()
	return nil
}

// publishManifest regenerates the manifest snapshot from the current
// sequence numbers and logs the cross-track drift diagnostic.
func (p *Packetizer) publishManifest() {
	if p.cfg.Manifest != nil {
		var st manifest.State
		if p.videoTimeline != nil {
			st.VideoSequence = p.videoTimeline.SequenceNumber()
		}
		if p.audioTimeline != nil {
			st.AudioSequence = p.audioTimeline.SequenceNumber()
		}
		p.cfg.Manifest.Update(st)
	}

	if drift, ok := DriftMillis(p.audioTimeline, p.videoTimeline); ok {
		aMS, _ := p.audioTimeline.LastMillis()
		vMS, _ := p.videoTimeline.LastMillis()
		p.log.Debug("audio-video drift", "driftMs", drift, "audioMs", aMS, "videoMs", vMS)
	}
}
