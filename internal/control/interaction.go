// Package control turns user interactions from the render layer into calls
// against the player REST API, recovering once from an expired token.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"spotifycontrols/internal/stream"
)

// Kind discriminates Interaction variants on the wire.
type Kind string

const (
	KindShuffle   Kind = "shuffle"
	KindSkipPrev  Kind = "skipPrev"
	KindPlayPause Kind = "playPause"
	KindSkipNext  Kind = "skipNext"
	KindRepeat    Kind = "repeat"
	KindSeek      Kind = "seek"
	KindVolume    Kind = "volume"
)

var (
	// ErrUnknownInteraction is returned by DecodeInteraction for unknown kinds.
	ErrUnknownInteraction = errors.New("unknown interaction")
	// ErrMissingData is returned when a kind that carries fields has no data.
	ErrMissingData = errors.New("missing data")
	// ErrMissingField is returned when data lacks one of the variant's fields.
	ErrMissingField = errors.New("missing field")
)

// Interaction is a user intent. Each variant carries the state needed to
// compute the next action.
type Interaction interface {
	Kind() Kind
}

// Shuffle toggles shuffle relative to Current.
type Shuffle struct {
	Current bool `json:"current"`
}

// SkipPrev restarts the track or skips back depending on progress.
type SkipPrev struct {
	ProgressMs int64 `json:"progress_ms"`
	DurationMs int64 `json:"duration_ms"`
}

// PlayPause pauses when Playing, plays otherwise.
type PlayPause struct {
	Playing bool `json:"playing"`
}

type SkipNext struct{}

// Repeat advances the repeat mode one step from Current.
type Repeat struct {
	Current stream.RepeatState `json:"current"`
}

type Seek struct {
	NewProgressMs int64 `json:"new_progress_ms"`
}

// Volume sets the volume percentage; it is rounded and clamped on dispatch.
type Volume struct {
	NewVolume float64 `json:"new_volume"`
}

func (Shuffle) Kind() Kind   { return KindShuffle }
func (SkipPrev) Kind() Kind  { return KindSkipPrev }
func (PlayPause) Kind() Kind { return KindPlayPause }
func (SkipNext) Kind() Kind  { return KindSkipNext }
func (Repeat) Kind() Kind    { return KindRepeat }
func (Seek) Kind() Kind      { return KindSeek }
func (Volume) Kind() Kind    { return KindVolume }

// Envelope is the transport form of an Interaction.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeInteraction wraps in as {"type":..., "data":...}.
func EncodeInteraction(in Interaction) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", in.Kind(), err)
	}
	return json.Marshal(Envelope{Type: in.Kind(), Data: data})
}

// DecodeInteraction parses an envelope.
func DecodeInteraction(b []byte) (Interaction, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode interaction envelope: %w", err)
	}
	return env.Interaction()
}

// Interaction decodes the envelope's data for its type. Data is required for
// every kind except skipNext and must carry exactly the variant's fields, so a
// missing or misnamed field never turns into a zero-value command.
func (e Envelope) Interaction() (Interaction, error) {
	var in Interaction
	switch e.Type {
	case KindShuffle:
		in = &Shuffle{}
	case KindSkipPrev:
		in = &SkipPrev{}
	case KindPlayPause:
		in = &PlayPause{}
	case KindSkipNext:
		return SkipNext{}, nil
	case KindRepeat:
		in = &Repeat{}
	case KindSeek:
		in = &Seek{}
	case KindVolume:
		in = &Volume{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInteraction, e.Type)
	}

	if err := decodeData(e.Data, in); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return deref(in), nil
}

// decodeData strictly decodes data into v, rejecting unknown fields and
// requiring every field v declares.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return ErrMissingData
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, name := range fieldNames(v) {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fieldNames lists the json names of the struct v points to.
func fieldNames(v any) []string {
	t := reflect.TypeOf(v).Elem()
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			names = append(names, name)
		}
	}
	return names
}

func deref(in Interaction) Interaction {
	switch v := in.(type) {
	case *Shuffle:
		return *v
	case *SkipPrev:
		return *v
	case *PlayPause:
		return *v
	case *Repeat:
		return *v
	case *Seek:
		return *v
	case *Volume:
		return *v
	}
	return in
}
