package stream

// RepeatState is the service's repeat mode.
type RepeatState string

const (
	RepeatOff     RepeatState = "off"
	RepeatContext RepeatState = "context"
	RepeatTrack   RepeatState = "track"
)

// Valid reports whether r is one of the three known modes.
func (r RepeatState) Valid() bool {
	switch r {
	case RepeatOff, RepeatContext, RepeatTrack:
		return true
	}
	return false
}

// PlayerState is the embedded state of a PLAYER_STATE_CHANGED event.
// It is never persisted.
type PlayerState struct {
	IsPlaying   bool        `json:"is_playing"`
	ProgressMs  int64       `json:"progress_ms"`
	Shuffle     bool        `json:"shuffle_state"`
	Repeat      RepeatState `json:"repeat_state"`
	TimestampMs int64       `json:"timestamp"`
	Track       *Track      `json:"item,omitempty"`
	Device      *Device     `json:"device,omitempty"`
	Context     *Context    `json:"context,omitempty"`
}

// DurationMs returns the current track duration, or 0 when no track is loaded.
func (s PlayerState) DurationMs() int64 {
	if s.Track == nil {
		return 0
	}
	return s.Track.DurationMs
}

// Track is the currently loaded item.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URI        string   `json:"uri"`
	DurationMs int64    `json:"duration_ms"`
	Explicit   bool     `json:"explicit"`
	Album      Album    `json:"album"`
	Artists    []Artist `json:"artists"`
}

type Album struct {
	Name   string  `json:"name"`
	URI    string  `json:"uri"`
	Images []Image `json:"images,omitempty"`
}

type Artist struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
}

// Context is the playlist/album/artist the track is played from.
type Context struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// Device is a playback endpoint reported by the service.
type Device struct {
	ID               string `json:"id"`
	IsActive         bool   `json:"is_active"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	VolumePercent    int    `json:"volume_percent"`
	IsRestricted     bool   `json:"is_restricted"`
	IsPrivateSession bool   `json:"is_private_session"`
}

// ActiveDevice returns the first active device in devices.
func ActiveDevice(devices []Device) (Device, bool) {
	for _, d := range devices {
		if d.IsActive {
			return d, true
		}
	}
	return Device{}, false
}
