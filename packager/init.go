package packager

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/avbridge/chunkflow/media"
)

// BuildVideoInit serializes the one-time initialization segment (ftyp+moov
// with the AVC decoder configuration) for a video track. Clients must
// receive it before any media segment is meaningful.
func BuildVideoInit(p media.VideoParams, trackID uint32) ([]byte, error) {
	if len(p.SPS) == 0 || len(p.PPS) == 0 {
		return nil, fmt.Errorf("%w: video SPS/PPS", ErrInitNotLoaded)
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(p.Timescale, "video", "und")
	trak := init.Moov.Trak
	trak.Tkhd.TrackID = trackID
	init.Moov.Mvex.Trex.TrackID = trackID
	if err := trak.SetAVCDescriptor("avc1", [][]byte{p.SPS}, [][]byte{p.PPS}, true); err != nil {
		return nil, fmt.Errorf("set AVC descriptor: %w", err)
	}

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode video init: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildAudioInit serializes the initialization segment for an AAC-LC
// audio track.
func BuildAudioInit(p media.AudioParams, trackID uint32) ([]byte, error) {
	if p.SampleRate == 0 {
		return nil, fmt.Errorf("%w: audio sample rate", ErrInitNotLoaded)
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(p.Timescale, "audio", "und")
	trak := init.Moov.Trak
	trak.Tkhd.TrackID = trackID
	init.Moov.Mvex.Trex.TrackID = trackID
	if err := trak.SetAACDescriptor(aac.AAClc, p.SampleRate); err != nil {
		return nil, fmt.Errorf("set AAC descriptor: %w", err)
	}

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode audio init: %w", err)
	}
	return buf.Bytes(), nil
}
