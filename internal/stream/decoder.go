// Package stream decodes raw host socket frames into typed player and device
// events and forwards them onto the bus.
//
// Wire format:
//
//	{"type":"message"|"pong", "payloads":[{"events":[{"type":"PLAYER_STATE_CHANGED", "event":{...}}]}]}
//
// Only payloads[0].events[0] is read. The protocol delivers at most one
// meaningful event per frame; additional events in the same frame are ignored.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type discriminators carried in payloads[0].events[0].type.
const (
	TypePlayerStateChanged = "PLAYER_STATE_CHANGED"
	TypeDeviceStateChanged = "DEVICE_STATE_CHANGED"
)

var (
	// ErrMalformedFrame is returned when a frame is not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEvent is returned for well-formed frames carrying an unhandled event type.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Event is a decoded logical event.
type Event interface {
	streamEvent()
	Type() string
}

// PlayerStateChanged carries the new player state.
type PlayerStateChanged struct {
	State PlayerState
}

func (PlayerStateChanged) streamEvent() {}
func (PlayerStateChanged) Type() string { return TypePlayerStateChanged }

// DeviceStateChanged carries the full device list. An empty list means the
// account has no playback endpoint left.
type DeviceStateChanged struct {
	Devices []Device
}

func (DeviceStateChanged) streamEvent() {}
func (DeviceStateChanged) Type() string { return TypeDeviceStateChanged }

type frame struct {
	Type     string         `json:"type"`
	Payloads []framePayload `json:"payloads"`
}

type framePayload struct {
	Events []frameEvent `json:"events"`
}

type frameEvent struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type playerStateBody struct {
	State PlayerState `json:"state"`
}

type deviceStateBody struct {
	Devices []Device `json:"devices"`
}

// Decode turns one frame into zero or one Event.
//
// Heartbeats (pong/ping) and frames without a payload/event structure decode to
// (nil, nil). Invalid JSON yields ErrMalformedFrame; unhandled event types yield
// ErrUnknownEvent. Callers drop the frame in every non-nil-event case.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Type == "pong" || f.Type == "ping" {
		return nil, nil
	}
	if len(f.Payloads) == 0 || len(f.Payloads[0].Events) == 0 {
		return nil, nil
	}

	ev := f.Payloads[0].Events[0]
	switch ev.Type {
	case TypePlayerStateChanged:
		var body playerStateBody
		if err := unmarshalEvent(ev.Event, &body); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, ev.Type, err)
		}
		return PlayerStateChanged{State: body.State}, nil

	case TypeDeviceStateChanged:
		var body deviceStateBody
		if err := unmarshalEvent(ev.Event, &body); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, ev.Type, err)
		}
		if body.Devices == nil {
			body.Devices = []Device{}
		}
		return DeviceStateChanged{Devices: body.Devices}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func unmarshalEvent(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
