package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"spotifycontrols/internal/stream"
)

// ErrNoPlayback is returned by PlayerState when nothing is loaded.
var ErrNoPlayback = errors.New("no active playback")

// api returns a Web API client rooted one level above BaseURL ("…/v1/me/"
// becomes "…/v1/") and authorised with tok.
func (c *Client) api(ctx context.Context, tok *oauth2.Token) *spotify.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTP)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))

	root := strings.TrimSuffix(c.BaseURL, "me/")
	return spotify.New(hc, spotify.WithBaseURL(root))
}

// PlayerState fetches the current playback state.
func (c *Client) PlayerState(ctx context.Context, tok *oauth2.Token) (stream.PlayerState, error) {
	ps, err := c.api(ctx, tok).PlayerState(ctx)
	if err != nil {
		return stream.PlayerState{}, asServiceError("get player", err)
	}
	if ps == nil || (ps.Item == nil && ps.Device.ID == "") {
		return stream.PlayerState{}, ErrNoPlayback
	}

	out := stream.PlayerState{
		IsPlaying:   ps.Playing,
		ProgressMs:  int64(ps.Progress),
		Shuffle:     ps.ShuffleState,
		Repeat:      stream.RepeatState(ps.RepeatState),
		TimestampMs: ps.Timestamp,
	}
	if ps.PlaybackContext.URI != "" {
		out.Context = &stream.Context{Type: ps.PlaybackContext.Type, URI: string(ps.PlaybackContext.URI)}
	}
	if ps.Device.ID != "" {
		d := convertDevice(ps.Device)
		out.Device = &d
	}
	if t := ps.Item; t != nil {
		tr := &stream.Track{
			ID:         string(t.ID),
			Name:       t.Name,
			URI:        string(t.URI),
			DurationMs: int64(t.Duration),
			Explicit:   t.Explicit,
			Album: stream.Album{
				Name: t.Album.Name,
				URI:  string(t.Album.URI),
			},
		}
		for _, img := range t.Album.Images {
			tr.Album.Images = append(tr.Album.Images, stream.Image{URL: img.URL, Height: int(img.Height), Width: int(img.Width)})
		}
		for _, a := range t.Artists {
			tr.Artists = append(tr.Artists, stream.Artist{Name: a.Name, URI: string(a.URI)})
		}
		out.Track = tr
	}
	return out, nil
}

// Devices fetches the account's playback devices.
func (c *Client) Devices(ctx context.Context, tok *oauth2.Token) ([]stream.Device, error) {
	ds, err := c.api(ctx, tok).PlayerDevices(ctx)
	if err != nil {
		return nil, asServiceError("get player/devices", err)
	}
	out := make([]stream.Device, 0, len(ds))
	for _, d := range ds {
		out = append(out, convertDevice(d))
	}
	return out, nil
}

func convertDevice(d spotify.PlayerDevice) stream.Device {
	return stream.Device{
		ID:            string(d.ID),
		IsActive:      d.Active,
		Name:          d.Name,
		Type:          d.Type,
		VolumePercent: int(d.Volume),
		IsRestricted:  d.Restricted,
	}
}

func asServiceError(op string, err error) error {
	var se spotify.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, &ServiceError{Status: se.Status, Message: se.Message})
	}
	return fmt.Errorf("%s: %w", op, err)
}
