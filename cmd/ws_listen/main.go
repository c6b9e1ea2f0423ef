// Command ws_listen is a debugging aid that prints what flows over either a
// dealer socket (decoded player and device events) or the daemon's state
// websocket (render envelopes).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"spotifycontrols/internal/dealer"
	"spotifycontrols/internal/stream"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		dealerURL string
		token     string
		stateURL  string
		send      string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:           "ws_listen",
		Short:         "Print dealer events or state websocket envelopes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (dealerURL == "") == (stateURL == "") {
				return errors.New("exactly one of --dealer or --state is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if dealerURL != "" {
				return listenDealer(ctx, out, dealerURL, token, verbose)
			}
			return listenState(ctx, out, stateURL, send)
		},
	}

	f := cmd.Flags()
	f.StringVar(&dealerURL, "dealer", "", "dealer websocket URL")
	f.StringVar(&token, "token", os.Getenv("SPOTIFY_ACCESS_TOKEN"), "access token for the dealer (default $SPOTIFY_ACCESS_TOKEN)")
	f.StringVar(&stateURL, "state", "", "daemon state websocket URL, e.g. ws://127.0.0.1:8787/ws")
	f.StringVar(&send, "send", "", `controlInteraction JSON to send once connected, e.g. '{"type":"skipNext"}'`)
	f.BoolVarP(&verbose, "verbose", "v", false, "also print heartbeats and undecodable frames")
	return cmd
}

// ============================================================================
// Dealer mode
// ============================================================================

func listenDealer(ctx context.Context, out io.Writer, rawURL, token string, verbose bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conn, err := dealer.New(rawURL, func() string { return token }, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	p := &eventPrinter{out: out, verbose: verbose}
	conn.AddListener(p.frame)

	fmt.Fprintln(os.Stderr, "listening (press Ctrl+C to exit)")
	err = conn.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, dealer.ErrClosed) {
		return nil
	}
	return err
}

// eventPrinter prints decoded events, reporting only what changed between
// consecutive player states.
type eventPrinter struct {
	out     io.Writer
	verbose bool

	mu   sync.Mutex
	last *stream.PlayerState
}

func (p *eventPrinter) frame(data []byte) {
	ev, err := stream.Decode(data)
	switch {
	case err != nil:
		if p.verbose {
			fmt.Fprintf(p.out, "[DROP] %v\n", err)
		}
		return
	case ev == nil:
		if p.verbose {
			fmt.Fprintln(p.out, "[HEARTBEAT]")
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case stream.PlayerStateChanged:
		for _, line := range playerChanges(p.last, e.State) {
			fmt.Fprintln(p.out, line)
		}
		st := e.State
		p.last = &st
	case stream.DeviceStateChanged:
		fmt.Fprintln(p.out, describeDevices(e.Devices))
	}
}

// playerChanges lists the fields of cur that differ from prev. A nil prev
// reports everything.
func playerChanges(prev *stream.PlayerState, cur stream.PlayerState) []string {
	var lines []string

	track := func(s *stream.PlayerState) string {
		if s == nil || s.Track == nil {
			return ""
		}
		return s.Track.Name
	}
	if prev == nil || track(prev) != track(&cur) {
		if t := track(&cur); t != "" {
			lines = append(lines, fmt.Sprintf("[TRACK] %s (%s)", t, time.Duration(cur.DurationMs())*time.Millisecond))
		} else {
			lines = append(lines, "[TRACK] none")
		}
	}
	if prev == nil || prev.IsPlaying != cur.IsPlaying {
		state := "PAUSED"
		if cur.IsPlaying {
			state = "PLAYING"
		}
		lines = append(lines, "[PLAYBACK] "+state)
	}
	if prev == nil || prev.Shuffle != cur.Shuffle {
		lines = append(lines, fmt.Sprintf("[SHUFFLE] %t", cur.Shuffle))
	}
	if prev == nil || prev.Repeat != cur.Repeat {
		lines = append(lines, fmt.Sprintf("[REPEAT] %s", cur.Repeat))
	}
	if cur.Device != nil && (prev == nil || prev.Device == nil || prev.Device.VolumePercent != cur.Device.VolumePercent) {
		lines = append(lines, fmt.Sprintf("[VOLUME] %d%%", cur.Device.VolumePercent))
	}
	return lines
}

func describeDevices(devices []stream.Device) string {
	if len(devices) == 0 {
		return "[DEVICES] none"
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		if d.IsActive {
			name += "*"
		}
		names = append(names, name)
	}
	return "[DEVICES] " + strings.Join(names, ", ")
}

// ============================================================================
// State websocket mode
// ============================================================================

func listenState(ctx context.Context, out io.Writer, rawURL, send string) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if send != "" {
		if !json.Valid([]byte(send)) {
			return fmt.Errorf("--send is not valid JSON")
		}
		msg := fmt.Sprintf(`{"type":"controlInteraction","data":%s}`, send)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, formatEnvelope(msg))
	}
}

// formatEnvelope renders one {type,ts,data} envelope as "[type] data".
func formatEnvelope(msg []byte) string {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
		return "[TEXT] " + string(msg)
	}
	if len(env.Data) == 0 {
		return "[" + env.Type + "]"
	}
	return "[" + env.Type + "] " + string(env.Data)
}
