package stream

import (
	"errors"
	"log/slog"

	"spotifycontrols/internal/bus"
)

// PlayerFrame is the detail of bus.TopicPlayerStateFrame.
type PlayerFrame struct {
	AccountID string
	State     PlayerState
}

// DeviceFrame is the detail of bus.TopicDeviceStateFrame.
type DeviceFrame struct {
	AccountID string
	Devices   []Device
}

// Forwarder decodes frames and republishes them on the bus tagged with the
// owning account. Frames are forwarded strictly in call order; nothing is
// reordered or coalesced.
type Forwarder struct {
	Bus    *bus.Bus
	Logger *slog.Logger

	// LogFrames enables debug logging of dropped frames.
	LogFrames bool
}

// Forward handles one raw frame from accountID's socket. It never panics on
// bad input; protocol errors are logged and the frame is dropped.
func (f *Forwarder) Forward(accountID string, data []byte) {
	ev, err := Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownEvent):
			f.logger().Info("dropping frame with unknown event type", "account", accountID, "error", err)
		default:
			if f.LogFrames {
				f.logger().Debug("dropping malformed frame", "account", accountID, "error", err, "bytes", len(data))
			}
		}
		return
	}
	if ev == nil {
		return
	}
	f.Publish(accountID, ev)
}

// Publish emits an already-decoded event. It is also used to inject state
// fetched over HTTP at startup through the same path as socket frames.
func (f *Forwarder) Publish(accountID string, ev Event) {
	switch e := ev.(type) {
	case PlayerStateChanged:
		f.Bus.Emit(bus.TopicPlayerStateFrame, PlayerFrame{AccountID: accountID, State: e.State})
	case DeviceStateChanged:
		f.Bus.Emit(bus.TopicDeviceStateFrame, DeviceFrame{AccountID: accountID, Devices: e.Devices})
	}
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
