// Package manifest renders the DASH MPD describing a dynamic, time-shifted
// presentation. The generator keeps the rendered text as an immutable
// snapshot behind an atomic pointer: the packager publishes a new snapshot
// on every segment completion while HTTP handlers read concurrently.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/avbridge/chunkflow/media"
)

// ErrNotStarted is returned when a manifest is requested before the first
// successful segment publication. It is distinct from an empty manifest so a
// client-facing layer can answer "not yet available" instead of serving
// malformed content.
var ErrNotStarted = errors.New("manifest: streaming has not started")

// Operational tuning knobs, fixed policy rather than stream-derived.
const (
	timeShiftBufferDepth = 6.0  // seconds of look-back window
	minimumUpdatePeriod  = 30.0 // seconds between client manifest refreshes
)

const (
	publishTimeLayout = "2006-01-02T15:04:05Z"
	utcTimingLayout   = "2006-01-02T15:04:05.000Z"
)

// Config describes the presentation. Tracks with a nil params struct are
// never rendered.
type Config struct {
	SegmentPrefix   string
	SegmentDuration float64 // seconds
	Video           *media.VideoParams
	Audio           *media.AudioParams

	// VideoInitName/AudioInitName are the fixed init-segment filenames
	// referenced by the SegmentTemplate initialization attributes.
	VideoInitName string
	AudioInitName string

	// VideoSuffix/AudioSuffix complete the templated media URLs:
	// <prefix>_$Number$<suffix>.
	VideoSuffix string
	AudioSuffix string

	// PixelAspectRatio for the video adaptation set; defaults to "1:1".
	PixelAspectRatio string
}

// State is the publishable stream state a snapshot is generated from.
// Sequence numbers are the next segment number per track; a track appears in
// the manifest only once its sequence number exceeds 1, i.e. at least one
// segment has been published.
type State struct {
	VideoSequence uint32
	AudioSequence uint32
}

// Generator renders manifest snapshots. Update is called from the packager's
// single segment-completion path; Manifest may be called from any goroutine.
type Generator struct {
	cfg Config

	// startTime is the availabilityStartTime, fixed when streaming starts.
	// Written only from the Update path.
	startTime string

	// text holds the current snapshot with one %s verb where the UTCTiming
	// direct value is substituted at render time.
	text atomic.Pointer[string]
}

// New creates a Generator. The manifest stays unavailable until the first
// Update.
func New(cfg Config) *Generator {
	if cfg.PixelAspectRatio == "" {
		cfg.PixelAspectRatio = "1:1"
	}
	return &Generator{cfg: cfg}
}

// Started reports whether at least one snapshot has been published.
func (g *Generator) Started() bool {
	return g.text.Load() != nil
}

// Manifest returns the current manifest text with the render-time UTC
// timestamp substituted into the UTCTiming value. The returned string is an
// immutable point-in-time snapshot, safe against concurrent updates.
func (g *Generator) Manifest(now time.Time) (string, error) {
	text := g.text.Load()
	if text == nil {
		return "", ErrNotStarted
	}
	return fmt.Sprintf(*text, now.UTC().Format(utcTimingLayout)), nil
}

// Update regenerates the manifest snapshot from st and publishes it with a
// single atomic swap. Readers holding the previous snapshot keep a complete,
// internally consistent document.
func (g *Generator) Update(st State) {
	if g.startTime == "" {
		g.startTime = time.Now().UTC().Format(publishTimeLayout)
	}

	data := mpdData{
		MinimumUpdatePeriod:        fixed3(minimumUpdatePeriod),
		PublishTime:                time.Now().UTC().Format(publishTimeLayout),
		AvailabilityStartTime:      g.startTime,
		TimeShiftBufferDepth:       fixed3(timeShiftBufferDepth),
		SuggestedPresentationDelay: fixed3(g.cfg.SegmentDuration),
		MinBufferTime:              fixed3(g.cfg.SegmentDuration),
	}

	if v := g.cfg.Video; v != nil && st.VideoSequence > 1 {
		data.Video = &videoData{
			Width:                  v.Width,
			Height:                 v.Height,
			PAR:                    g.cfg.PixelAspectRatio,
			FrameRate:              fixed3(v.FrameRate),
			Timescale:              v.Timescale,
			Duration:               uint64(g.cfg.SegmentDuration * float64(v.Timescale)),
			AvailabilityTimeOffset: fixed3(AvailabilityTimeOffset(g.cfg.SegmentDuration, v.FrameRate)),
			Init:                   g.cfg.VideoInitName,
			Media:                  g.cfg.SegmentPrefix + "_$Number$" + g.cfg.VideoSuffix,
			Codecs:                 v.Codec,
			Bandwidth:              v.Bitrate,
		}
	}
	if a := g.cfg.Audio; a != nil && st.AudioSequence > 1 {
		frameRate := float64(a.SampleRate) / media.AACSamplesPerFrame
		data.Audio = &audioData{
			Channels:               a.Channels,
			Timescale:              a.Timescale,
			Duration:               uint64(g.cfg.SegmentDuration * float64(a.Timescale)),
			AvailabilityTimeOffset: fixed3(AvailabilityTimeOffset(g.cfg.SegmentDuration, frameRate)),
			Init:                   g.cfg.AudioInitName,
			Media:                  g.cfg.SegmentPrefix + "_$Number$" + g.cfg.AudioSuffix,
			Codecs:                 a.Codec,
			SampleRate:             a.SampleRate,
			Bandwidth:              a.Bitrate,
		}
	}

	var buf bytes.Buffer
	if err := mpdTemplate.Execute(&buf, data); err != nil {
		// The template is static and the data plain values; a failure here
		// is a programming error. Keep the previous snapshot.
		return
	}
	text := buf.String()
	g.text.Store(&text)
}

// AvailabilityTimeOffset computes how much earlier than the nominal segment
// boundary a chunk-based client may start fetching: the segment duration
// minus one frame duration at the given rate (frames or AAC frames per
// second). A zero rate clamps the offset to the segment duration, guarding
// unknown-rate inputs.
func AvailabilityTimeOffset(segmentDuration, rate float64) float64 {
	if rate == 0 {
		return segmentDuration
	}
	return segmentDuration - 1.0/rate
}

// fixed3 renders a fractional numeric field with fixed 3-decimal precision.
func fixed3(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

type mpdData struct {
	MinimumUpdatePeriod        string
	PublishTime                string
	AvailabilityStartTime      string
	TimeShiftBufferDepth       string
	SuggestedPresentationDelay string
	MinBufferTime              string
	Video                      *videoData
	Audio                      *audioData
}

type videoData struct {
	Width                  int
	Height                 int
	PAR                    string
	FrameRate              string
	Timescale              uint32
	Duration               uint64
	AvailabilityTimeOffset string
	Init                   string
	Media                  string
	Codecs                 string
	Bandwidth              int
}

type audioData struct {
	Channels               int
	Timescale              uint32
	Duration               uint64
	AvailabilityTimeOffset string
	Init                   string
	Media                  string
	Codecs                 string
	SampleRate             int
	Bandwidth              int
}

// mpdTemplate mirrors the isoff-live dynamic MPD layout. The UTCTiming value
// carries a literal %s substituted at render time; no other percent signs
// may appear in the document.
var mpdTemplate = template.Must(template.New("mpd").Parse(`<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
	xmlns="urn:mpeg:dash:schema:mpd:2011"
	xmlns:xlink="http://www.w3.org/1999/xlink"
	xsi:schemaLocation="urn:mpeg:DASH:schema:MPD:2011 http://standards.iso.org/ittf/PubliclyAvailableStandards/MPEG-DASH_schema_files/DASH-MPD.xsd"
	profiles="urn:mpeg:dash:profile:isoff-live:2011"
	type="dynamic"
	minimumUpdatePeriod="PT{{.MinimumUpdatePeriod}}S"
	publishTime="{{.PublishTime}}"
	availabilityStartTime="{{.AvailabilityStartTime}}"
	timeShiftBufferDepth="PT{{.TimeShiftBufferDepth}}S"
	suggestedPresentationDelay="PT{{.SuggestedPresentationDelay}}S"
	minBufferTime="PT{{.MinBufferTime}}S">
	<Period id="0" start="PT0S">
{{- if .Video}}
		<AdaptationSet id="0" group="1" mimeType="video/mp4" width="{{.Video.Width}}" height="{{.Video.Height}}" par="{{.Video.PAR}}" frameRate="{{.Video.FrameRate}}" segmentAlignment="true" startWithSAP="1" subsegmentAlignment="true" subsegmentStartsWithSAP="1">
			<SegmentTemplate presentationTimeOffset="0" timescale="{{.Video.Timescale}}" duration="{{.Video.Duration}}" availabilityTimeOffset="{{.Video.AvailabilityTimeOffset}}" startNumber="1" initialization="{{.Video.Init}}" media="{{.Video.Media}}" />
			<Representation codecs="{{.Video.Codecs}}" sar="1:1" bandwidth="{{.Video.Bandwidth}}" />
		</AdaptationSet>
{{- end}}
{{- if .Audio}}
		<AdaptationSet id="1" group="2" mimeType="audio/mp4" lang="und" segmentAlignment="true" startWithSAP="1" subsegmentAlignment="true" subsegmentStartsWithSAP="1">
			<AudioChannelConfiguration schemeIdUri="urn:mpeg:dash:23003:3:audio_channel_configuration:2011" value="{{.Audio.Channels}}"/>
			<SegmentTemplate presentationTimeOffset="0" timescale="{{.Audio.Timescale}}" duration="{{.Audio.Duration}}" availabilityTimeOffset="{{.Audio.AvailabilityTimeOffset}}" startNumber="1" initialization="{{.Audio.Init}}" media="{{.Audio.Media}}" />
			<Representation codecs="{{.Audio.Codecs}}" audioSamplingRate="{{.Audio.SampleRate}}" bandwidth="{{.Audio.Bandwidth}}" />
		</AdaptationSet>
{{- end}}
	</Period>
	<UTCTiming schemeIdUri="urn:mpeg:dash:utc:direct:2014" value="%s"/>
</MPD>
`))
