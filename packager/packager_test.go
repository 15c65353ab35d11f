package packager

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/avbridge/chunkflow/manifest"
	"github.com/avbridge/chunkflow/media"
)

// x264 parameter sets for 1280x720, only needed by init-segment tests.
var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x10, 0x00, 0x00, 0x03, 0x00,
		0x10, 0x00, 0x00, 0x03, 0x03, 0x20, 0xf1, 0x83,
		0x19, 0x60,
	}
	testPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}
)

type storedSegment struct {
	name     string
	duration float64
	startTS  int64
	payload  []byte
}

type recordingStore struct {
	segments []storedSegment
	failNext bool
}

func (s *recordingStore) SetSegmentData(name string, duration float64, startTS int64, payload []byte) error {
	if s.failNext {
		s.failNext = false
		return errors.New("store unavailable")
	}
	s.segments = append(s.segments, storedSegment{name, duration, startTS, payload})
	return nil
}

func (s *recordingStore) names() []string {
	out := make([]string, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.name
	}
	return out
}

type pushRecord struct {
	name    string
	isVideo bool
	size    int
}

type recordingSink struct {
	chunks    []pushRecord
	completes []pushRecord
}

func (s *recordingSink) OnChunkPush(app, stream, name string, isVideo bool, chunk []byte) {
	s.chunks = append(s.chunks, pushRecord{name, isVideo, len(chunk)})
}

func (s *recordingSink) OnSegmentComplete(app, stream, name string, isVideo bool) {
	s.completes = append(s.completes, pushRecord{name, isVideo, 0})
}

func testVideoParams() *media.VideoParams {
	return &media.VideoParams{
		Codec:     "avc1.64001f",
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		Bitrate:   2_500_000,
		Timescale: testVideoTimescale,
		SPS:       testSPS,
		PPS:       testPPS,
	}
}

func testAudioParams() *media.AudioParams {
	return &media.AudioParams{
		Codec:      "mp4a.40.2",
		SampleRate: 48000,
		Channels:   2,
		Bitrate:    128_000,
		Timescale:  48000,
	}
}

func newTestPacketizer(t *testing.T, st SegmentStore, sink ChunkedTransfer, gen *manifest.Generator) *Packetizer {
	t.Helper()
	p, err := New(Config{
		App:             "app",
		Stream:          "stream",
		SegmentPrefix:   "test",
		SegmentDuration: 6,
		ChunkDuration:   0, // chunk per sample
		Video:           testVideoParams(),
		Audio:           testAudioParams(),
		Store:           st,
		Transfer:        sink,
		Manifest:        gen,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestWriteSegmentEmptyNoOp(t *testing.T) {
	st := &recordingStore{}
	sink := &recordingSink{}
	p := newTestPacketizer(t, st, sink, nil)

	if err := p.WriteVideoSegment(); err != nil {
		t.Fatalf("empty WriteVideoSegment: %v", err)
	}
	if err := p.WriteAudioSegment(); err != nil {
		t.Fatalf("empty WriteAudioSegment: %v", err)
	}
	if len(st.segments) != 0 {
		t.Errorf("store received %v on empty flush", st.names())
	}
	if len(sink.completes) != 0 {
		t.Errorf("completion fired on empty flush: %v", sink.completes)
	}
}

func TestSegmentPublication(t *testing.T) {
	st := &recordingStore{}
	sink := &recordingSink{}
	p := newTestPacketizer(t, st, sink, nil)

	// 180 frames at 30 fps: exactly one 6-second segment worth.
	for i := 0; i < 180; i++ {
		if err := p.AppendVideoFrame(videoFrame(i, i%60 == 0)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := p.WriteVideoSegment(); err != nil {
		t.Fatalf("WriteVideoSegment: %v", err)
	}

	if len(st.segments) != 1 {
		t.Fatalf("stored %d segments, want 1", len(st.segments))
	}
	seg := st.segments[0]
	if seg.name != "test_1_video.m4s" {
		t.Errorf("segment name = %q, want test_1_video.m4s", seg.name)
	}
	if seg.duration != 6 {
		t.Errorf("segment duration = %v, want 6", seg.duration)
	}
	if seg.startTS != 0 {
		t.Errorf("segment start = %d, want 0", seg.startTS)
	}
	if len(sink.completes) != 1 || sink.completes[0].name != "test_1_video.m4s" {
		t.Errorf("completes = %v, want exactly one for test_1_video.m4s", sink.completes)
	}

	// Sequence advanced: the next segment publishes under number 2.
	if err := p.AppendVideoFrame(videoFrame(180, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.WriteVideoSegment(); err != nil {
		t.Fatalf("second WriteVideoSegment: %v", err)
	}
	if got := st.segments[1].name; got != "test_2_video.m4s" {
		t.Errorf("second segment name = %q, want test_2_video.m4s", got)
	}
}

func TestStoreFailureKeepsSequence(t *testing.T) {
	st := &recordingStore{failNext: true}
	sink := &recordingSink{}
	p := newTestPacketizer(t, st, sink, nil)

	if err := p.AppendVideoFrame(videoFrame(0, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.WriteVideoSegment(); err == nil {
		t.Fatal("expected error when store rejects the segment")
	}
	if len(sink.completes) != 0 {
		t.Errorf("completion fired despite store failure: %v", sink.completes)
	}

	// Buffered state was cleared; the next segment starts fresh but keeps
	// the unconsumed sequence number.
	if err := p.AppendVideoFrame(videoFrame(1, true)); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if err := p.WriteVideoSegment(); err != nil {
		t.Fatalf("retry WriteVideoSegment: %v", err)
	}
	if got := st.segments[0].name; got != "test_1_video.m4s" {
		t.Errorf("retried segment name = %q, want test_1_video.m4s", got)
	}
}

func TestAppendPushesChunks(t *testing.T) {
	st := &recordingStore{}
	sink := &recordingSink{}
	p := newTestPacketizer(t, st, sink, nil)

	for i := 0; i < 3; i++ {
		if err := p.AppendVideoFrame(videoFrame(i, i == 0)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if len(sink.chunks) != 3 {
		t.Fatalf("pushed %d chunks, want 3 (chunk per sample)", len(sink.chunks))
	}
	for _, c := range sink.chunks {
		if c.name != "test_1_video.m4s" {
			t.Errorf("chunk pushed for %q, want test_1_video.m4s", c.name)
		}
		if !c.isVideo {
			t.Error("video chunk flagged as audio")
		}
		if c.size == 0 {
			t.Error("empty chunk pushed")
		}
	}
}

func TestAppendErrorPropagates(t *testing.T) {
	st := &recordingStore{}
	p := newTestPacketizer(t, st, nil, nil)

	if err := p.AppendVideoFrame(videoFrame(5, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := p.AppendVideoFrame(videoFrame(1, false))
	if !errors.Is(err, ErrSampleOrder) {
		t.Errorf("expected ErrSampleOrder through the packetizer, got %v", err)
	}
}

func TestManifestLifecycle(t *testing.T) {
	st := &recordingStore{}
	gen := manifest.New(manifest.Config{
		SegmentPrefix:   "test",
		SegmentDuration: 6,
		Video:           testVideoParams(),
		Audio:           testAudioParams(),
		VideoInitName:   VideoInitFileName,
		AudioInitName:   AudioInitFileName,
		VideoSuffix:     VideoSegmentSuffix,
		AudioSuffix:     AudioSegmentSuffix,
	})
	p := newTestPacketizer(t, st, nil, gen)

	if _, err := gen.Manifest(time.Now()); !errors.Is(err, manifest.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before first publication, got %v", err)
	}

	if err := p.AppendVideoFrame(videoFrame(0, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.WriteVideoSegment(); err != nil {
		t.Fatalf("WriteVideoSegment: %v", err)
	}

	text, err := gen.Manifest(time.Now())
	if err != nil {
		t.Fatalf("Manifest after publication: %v", err)
	}
	if !strings.Contains(text, `mimeType="video/mp4"`) {
		t.Error("manifest missing video adaptation set after video publication")
	}
	if strings.Contains(text, `mimeType="audio/mp4"`) {
		t.Error("manifest lists audio adaptation set before any audio segment")
	}
}

func TestWriteInitPublishes(t *testing.T) {
	st := &recordingStore{}
	sink := &recordingSink{}
	p := newTestPacketizer(t, st, sink, nil)

	if err := p.WriteVideoInit(); err != nil {
		t.Fatalf("WriteVideoInit: %v", err)
	}
	if err := p.WriteAudioInit(); err != nil {
		t.Fatalf("WriteAudioInit: %v", err)
	}

	names := st.names()
	if len(names) != 2 || names[0] != VideoInitFileName || names[1] != AudioInitFileName {
		t.Errorf("stored inits = %v, want [%s %s]", names, VideoInitFileName, AudioInitFileName)
	}
	for _, seg := range st.segments {
		if seg.duration != 0 {
			t.Errorf("init %s stored with duration %v, want 0", seg.name, seg.duration)
		}
		if string(seg.payload[4:8]) != "ftyp" {
			t.Errorf("init %s does not start with ftyp", seg.name)
		}
	}
	if len(sink.chunks) != 2 {
		t.Errorf("init pushed %d chunks on the low-latency path, want 2", len(sink.chunks))
	}
}

func TestMissingTrack(t *testing.T) {
	st := &recordingStore{}
	p, err := New(Config{
		Stream:          "stream",
		SegmentDuration: 6,
		Audio:           testAudioParams(),
		Store:           st,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.AppendVideoFrame(videoFrame(0, true)); !errors.Is(err, ErrMissingTrack) {
		t.Errorf("expected ErrMissingTrack, got %v", err)
	}
	if err := p.WriteVideoSegment(); !errors.Is(err, ErrMissingTrack) {
		t.Errorf("expected ErrMissingTrack, got %v", err)
	}
	if err := p.WriteVideoInit(); !errors.Is(err, ErrMissingTrack) {
		t.Errorf("expected ErrMissingTrack, got %v", err)
	}
}
