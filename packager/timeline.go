package packager

// TrackTimeline carries the per-track sequence and timing bookkeeping shared
// by packetizer variants: the next segment's sequence number, and the
// timestamp of the most recently appended sample. The last-seen timestamp is
// modeled as explicitly present or absent rather than a negative sentinel,
// since some codecs legitimately produce negative timestamps.
//
// A TrackTimeline is mutated only by the packetizer on its single processing
// path for that track.
type TrackTimeline struct {
	timescale uint32
	seq       uint32
	lastPTS   int64
	hasPTS    bool
}

// NewTrackTimeline creates a timeline for a track with the given timescale.
// Sequence numbering starts at 1.
func NewTrackTimeline(timescale uint32) *TrackTimeline {
	return &TrackTimeline{timescale: timescale, seq: 1}
}

// SequenceNumber returns the sequence number the next finalized segment
// will carry.
func (t *TrackTimeline) SequenceNumber() uint32 {
	return t.seq
}

// Advance increments the sequence number after a successful segment
// publication. Sequence numbers are monotonic and never reused.
func (t *TrackTimeline) Advance() {
	t.seq++
}

// MarkSample records the timestamp of a successfully appended sample.
func (t *TrackTimeline) MarkSample(pts int64) {
	t.lastPTS = pts
	t.hasPTS = true
}

// LastPTS returns the most recently appended sample timestamp, and whether
// any sample has been appended at all.
func (t *TrackTimeline) LastPTS() (int64, bool) {
	return t.lastPTS, t.hasPTS
}

// LastMillis converts the last appended timestamp to milliseconds using the
// track's timescale. ok is false if no sample has been appended or the
// timescale is unset.
func (t *TrackTimeline) LastMillis() (int64, bool) {
	if !t.hasPTS || t.timescale == 0 {
		return 0, false
	}
	return t.lastPTS * 1000 / int64(t.timescale), true
}

// DriftMillis reports the audio-minus-video presentation-time drift in
// milliseconds. ok is false until both tracks have appended at least one
// sample. The value is a health diagnostic only; no corrective action is
// derived from it.
func DriftMillis(audio, video *TrackTimeline) (int64, bool) {
	if audio == nil || video == nil {
		return 0, false
	}
	aMS, ok := audio.LastMillis()
	if !ok {
		return 0, false
	}
	vMS, ok := video.LastMillis()
	if !ok {
		return 0, false
	}
	return aMS - vMS, true
}
