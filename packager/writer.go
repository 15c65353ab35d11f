package packager

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/avbridge/chunkflow/media"
)

// Sentinel errors for sample append failures. These enable callers to
// programmatically distinguish contract violations using errors.Is.
var (
	ErrSampleOrder   = errors.New("packager: sample timestamp precedes previous sample")
	ErrEmptySample   = errors.New("packager: sample has no payload")
	ErrBadDuration   = errors.New("packager: sample duration must be positive")
	ErrMissingTrack  = errors.New("packager: track not configured")
	ErrInitNotLoaded = errors.New("packager: codec parameters missing")
)

// WriterConfig configures one track's ChunkWriter.
type WriterConfig struct {
	TrackID   uint32
	Timescale uint32
	Track     media.TrackType

	// SegmentDuration is the target segment length in seconds. The writer
	// does not act on it; callers read it back when deciding to finalize.
	SegmentDuration float64

	// ChunkDuration is the target chunk length in seconds. Zero emits one
	// chunk per sample, the lowest-latency policy.
	ChunkDuration float64
}

// ChunkWriter incrementally builds a CMAF fragment stream for one track.
// Appended samples accumulate into an open moof+mdat fragment; whenever the
// accumulated duration reaches the chunk target, the fragment is serialized
// and returned as an immediately-deliverable chunk. All serialized chunks
// are also retained so the finalized segment (styp followed by every chunk)
// can be extracted when the caller decides the segment is complete.
//
// A ChunkWriter is not safe for concurrent use; it is owned by the single
// goroutine appending that track's samples.
type ChunkWriter struct {
	cfg WriterConfig

	frag     *mp4.Fragment
	fragDur  uint64 // accumulated duration of the open fragment, timescale units
	chunkSeq uint32 // moof sequence number, monotonic across segments

	seg         bytes.Buffer // serialized chunks of the current segment
	firstChunk  bool         // next flushed chunk leads the segment and gets the styp
	sampleCount uint32
	startPTS    int64
	hasStart    bool
	lastPTS     int64
	hasLast     bool
}

// NewChunkWriter creates a ChunkWriter for one track.
func NewChunkWriter(cfg WriterConfig) *ChunkWriter {
	return &ChunkWriter{
		cfg:        cfg,
		firstChunk: true,
	}
}

// AppendSample consumes one timed sample. It returns a serialized chunk once
// the chunk-duration policy is satisfied, or nil if the sample was buffered.
// Malformed or out-of-order samples are rejected without disturbing already
// buffered content.
func (w *ChunkWriter) AppendSample(f *media.Frame) ([]byte, error) {
	if len(f.Payload) == 0 {
		return nil, ErrEmptySample
	}
	if f.Duration <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadDuration, f.Duration)
	}
	if w.hasLast && f.PTS < w.lastPTS {
		return nil, fmt.Errorf("%w: %d after %d", ErrSampleOrder, f.PTS, w.lastPTS)
	}

	if w.frag == nil {
		frag, err := mp4.CreateFragment(w.chunkSeq+1, w.cfg.TrackID)
		if err != nil {
			return nil, fmt.Errorf("create fragment: %w", err)
		}
		w.chunkSeq++
		w.frag = frag
	}

	flags := mp4.NonSyncSampleFlags
	if f.IsKey || w.cfg.Track == media.TrackAudio {
		flags = mp4.SyncSampleFlags
	}
	w.frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Dur:   uint32(f.Duration),
			Size:  uint32(len(f.Payload)),
		},
		DecodeTime: uint64(f.PTS),
		Data:       f.Payload,
	})

	if !w.hasStart {
		w.startPTS = f.PTS
		w.hasStart = true
	}
	w.lastPTS = f.PTS
	w.hasLast = true
	w.sampleCount++
	w.fragDur += uint64(f.Duration)

	if float64(w.fragDur) < w.cfg.ChunkDuration*float64(w.cfg.Timescale) {
		return nil, nil
	}
	return w.encodeChunk()
}

// FlushChunk serializes any samples still buffered in the open fragment and
// returns them as a final chunk, or nil if nothing is pending. Callers use it
// before finalizing a segment so the tail still travels the low-latency path.
func (w *ChunkWriter) FlushChunk() ([]byte, error) {
	if w.frag == nil || w.fragDur == 0 {
		return nil, nil
	}
	return w.encodeChunk()
}

func (w *ChunkWriter) encodeChunk() ([]byte, error) {
	var buf bytes.Buffer
	if w.firstChunk {
		styp := mp4.NewStyp("cmfs", 0, []string{"cmfc", "dash", "msdh"})
		if err := styp.Encode(&buf); err != nil {
			return nil, fmt.Errorf("encode styp: %w", err)
		}
	}
	if err := w.frag.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode fragment: %w", err)
	}
	w.frag = nil
	w.fragDur = 0
	w.firstChunk = false
	w.seg.Write(buf.Bytes())
	return buf.Bytes(), nil
}

// SampleCount returns the number of samples appended since the last Clear.
func (w *ChunkWriter) SampleCount() uint32 {
	return w.sampleCount
}

// StartTimestamp returns the timestamp of the first sample in the current
// accumulation window, or zero if none has been appended yet.
func (w *ChunkWriter) StartTimestamp() int64 {
	if !w.hasStart {
		return 0
	}
	return w.startPTS
}

// SegmentDuration returns the configured target segment length in seconds.
func (w *ChunkWriter) SegmentDuration() float64 {
	return w.cfg.SegmentDuration
}

// ChunkedSegment returns the full segment payload built so far: the styp
// followed by every chunk in append order. Samples still buffered in an open
// fragment are flushed into the segment first. State is not cleared; the
// caller resets the writer with Clear once the payload has been handed off.
func (w *ChunkWriter) ChunkedSegment() ([]byte, error) {
	if _, err := w.FlushChunk(); err != nil {
		return nil, err
	}
	out := make([]byte, w.seg.Len())
	copy(out, w.seg.Bytes())
	return out, nil
}

// Clear resets the sample counter and segment buffer for the next
// accumulation window. The chunk sequence numbering continues across
// segments, and the last-seen timestamp persists so sample ordering is
// enforced across segment boundaries.
func (w *ChunkWriter) Clear() {
	w.frag = nil
	w.fragDur = 0
	w.seg.Reset()
	w.firstChunk = true
	w.sampleCount = 0
	w.hasStart = false
}
