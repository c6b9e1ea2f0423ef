package control

import (
	"encoding/json"
	"math"
	"net/http"

	"spotifycontrols/internal/stream"
)

// Request is one planned REST call, relative to the API base URL.
type Request struct {
	Method string
	Path   string
	Body   any
}

// Payload returns the JSON body, or nil when the request has none.
func (r Request) Payload() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return json.Marshal(r.Body)
}

type boolState struct {
	State bool `json:"state"`
}

type repeatState struct {
	State stream.RepeatState `json:"state"`
}

type position struct {
	PositionMs int64 `json:"position_ms"`
}

type volumePercent struct {
	VolumePercent int `json:"volume_percent"`
}

// Plan maps an interaction to exactly one request. threshold is the fraction
// of the track after which skipPrev restarts the track instead of going back.
func Plan(in Interaction, threshold float64) Request {
	switch v := in.(type) {
	case Shuffle:
		return Request{http.MethodPut, "player/shuffle", boolState{State: !v.Current}}

	case SkipPrev:
		if v.DurationMs > 0 && float64(v.ProgressMs) >= float64(v.DurationMs)*threshold {
			return Request{http.MethodPut, "player/seek", position{PositionMs: 0}}
		}
		return Request{Method: http.MethodPost, Path: "player/previous"}

	case PlayPause:
		if v.Playing {
			return Request{Method: http.MethodPut, Path: "player/pause"}
		}
		return Request{Method: http.MethodPut, Path: "player/play"}

	case SkipNext:
		return Request{Method: http.MethodPost, Path: "player/next"}

	case Repeat:
		return Request{http.MethodPut, "player/repeat", repeatState{State: NextRepeat(v.Current)}}

	case Seek:
		return Request{http.MethodPut, "player/seek", position{PositionMs: max(v.NewProgressMs, 0)}}

	case Volume:
		return Request{http.MethodPut, "player/volume", volumePercent{VolumePercent: ClampVolume(v.NewVolume)}}
	}

	// Unreachable for the closed set of variants above.
	return Request{}
}

// NextRepeat returns the successor of cur in off -> context -> track -> off.
// Unknown values are treated as off.
func NextRepeat(cur stream.RepeatState) stream.RepeatState {
	switch cur {
	case stream.RepeatOff:
		return stream.RepeatContext
	case stream.RepeatContext:
		return stream.RepeatTrack
	case stream.RepeatTrack:
		return stream.RepeatOff
	default:
		return stream.RepeatContext
	}
}

// ClampVolume rounds v and clamps it to [0,100].
func ClampVolume(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return int(r)
}
