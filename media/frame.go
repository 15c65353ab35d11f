// Package media defines the frame and track-parameter types that flow
// through the chunkflow packaging pipeline, from frame sources to the
// packager and origin.
package media

// Channel buffer sizes used by frame sources (producers) and the packaging
// pipeline (consumer) to decouple frame production from consumption. Sized
// to absorb jitter without excessive memory: ~2 seconds of video, ~2.5s of
// audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// AACSamplesPerFrame is the number of PCM samples carried by one AAC access
// unit, fixed by the codec for AAC-LC.
const AACSamplesPerFrame = 1024

// TrackType identifies which elementary stream a frame belongs to.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// Frame is one encoded access unit for one track. PTS and Duration are in
// the track's timescale units. A Frame is immutable once created; ownership
// passes from the producer to the packager for the duration of one append.
type Frame struct {
	Type     TrackType
	PTS      int64
	Duration int64
	Payload  []byte
	IsKey    bool
}

// VideoParams describes a video track's codec configuration, used to build
// the init segment and the manifest's video adaptation set.
type VideoParams struct {
	Codec     string // RFC 6381 codec string, e.g. "avc1.64001f"
	Width     int
	Height    int
	FrameRate float64
	Bitrate   int // bits per second
	Timescale uint32
	SPS       []byte
	PPS       []byte
}

// AudioParams describes an AAC audio track's configuration. The track
// timescale equals the sample rate so one AAC frame lasts exactly
// AACSamplesPerFrame timescale units.
type AudioParams struct {
	Codec      string // e.g. "mp4a.40.2"
	SampleRate int
	Channels   int
	Bitrate    int // bits per second
	Timescale  uint32
}
