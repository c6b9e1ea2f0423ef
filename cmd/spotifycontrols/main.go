package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"spotifycontrols/internal/control"
	"spotifycontrols/internal/stream"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "spotifycontrols",
		Short:         "Spotify playback controls companion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand())
	root.AddCommand(ctlCommand())
	root.AddCommand(versionCommand())
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spotifycontrols v%s\n", version)
		},
	}
}

// ============================================================================
// run
// ============================================================================

func runCommand() *cobra.Command {
	var (
		configPath string

		apiBaseURL       string
		requestTimeoutMS int
		tokenEndpoint    string
		tokenFile        string
		wsListen         string
		wsPath           string
		ipcSocket        string
		mqttEnabled      bool
		mqttBroker       string
		mqttTopicBase    string
		debugBus         bool
		debugFrames      bool
		logLevel         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultConfig()
			if configPath != "" {
				loaded, err := LoadConfigFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			flags := cmd.Flags()
			var o FlagOverrides
			if flags.Changed("api-base-url") {
				o.APIBaseURL = &apiBaseURL
			}
			if flags.Changed("request-timeout-ms") {
				o.RequestTimeoutMS = &requestTimeoutMS
			}
			if flags.Changed("host-token-endpoint") {
				o.HostTokenEndpointURL = &tokenEndpoint
			}
			if flags.Changed("host-token-file") {
				o.HostTokenFile = &tokenFile
			}
			if flags.Changed("ws-listen") {
				o.WSListen = &wsListen
			}
			if flags.Changed("ws-path") {
				o.WSPath = &wsPath
			}
			if flags.Changed("ipc-socket") {
				o.IPCSocketPath = &ipcSocket
			}
			if flags.Changed("mqtt") {
				o.MQTTEnabled = &mqttEnabled
			}
			if flags.Changed("mqtt-broker") {
				o.MQTTBroker = &mqttBroker
			}
			if flags.Changed("mqtt-topic-base") {
				o.MQTTTopicBase = &mqttTopicBase
			}
			if flags.Changed("debug-bus") {
				o.DebugBus = &debugBus
			}
			if flags.Changed("debug-frames") {
				o.DebugFrames = &debugFrames
			}
			if flags.Changed("log-level") {
				o.LogLevel = &logLevel
			}
			o.Apply(&cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			level, err := parseLogLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			logger := setupLogger(level, cmd.OutOrStdout())
			logger.Debug("starting spotifycontrols", "version", version, "config", configPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = newDaemon(cfg, ExpandPath(configPath), logger).run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	def := DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to YAML config file (settings are hot-reloaded)")
	f.StringVar(&apiBaseURL, "api-base-url", def.Spotify.APIBaseURL, "Web API base URL for player requests")
	f.IntVar(&requestTimeoutMS, "request-timeout-ms", def.Spotify.RequestTimeoutMS, "timeout for one Web API request in milliseconds")
	f.StringVar(&tokenEndpoint, "host-token-endpoint", "", "host API base URL serving fresh access tokens")
	f.StringVar(&tokenFile, "host-token-file", "", "file holding the host API authorization token")
	f.StringVar(&wsListen, "ws-listen", def.Render.WSListen, "state websocket listen address (empty disables)")
	f.StringVar(&wsPath, "ws-path", def.Render.Path, "state websocket HTTP path")
	f.StringVar(&ipcSocket, "ipc-socket", def.IPC.SocketPath, "unix domain socket path for IPC")
	f.BoolVar(&mqttEnabled, "mqtt", false, "enable the MQTT render bridge")
	f.StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker URL")
	f.StringVar(&mqttTopicBase, "mqtt-topic-base", def.MQTT.TopicBase, "MQTT topic base")
	f.BoolVar(&debugBus, "debug-bus", false, "log bus debug output")
	f.BoolVar(&debugFrames, "debug-frames", false, "log dropped socket frames")
	f.StringVar(&logLevel, "log-level", def.Logging.Level, "log level: error, warn, info, debug")

	return cmd
}

// ============================================================================
// ctl
// ============================================================================

func ctlCommand() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "ctl <interaction> [args...]",
		Short: "Send a control interaction to a running daemon",
		Long: `Send a control interaction to a running daemon over IPC.

Interactions:
  shuffle <current:on|off>           toggle shuffle from its current state
  skipPrev <progress_ms> <duration_ms>
  playPause <playing:true|false>     pause when playing, play otherwise
  skipNext
  repeat <current:off|context|track> advance the repeat mode
  seek <position_ms>
  volume <0..100>`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInteraction(args)
			if err != nil {
				return err
			}
			if err := SendIPCInteraction(socketPath, in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", in.Kind())
			return nil
		},
	}
	cmd.Flags().StringVarP(&socketPath, "socket", "s", DefaultConfig().IPC.SocketPath, "unix domain socket path")
	return cmd
}

// parseInteraction builds an interaction from ctl arguments.
func parseInteraction(args []string) (control.Interaction, error) {
	if len(args) == 0 {
		return nil, errors.New("interaction required")
	}
	kind, rest := control.Kind(args[0]), args[1:]

	want := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", kind, n, len(rest))
		}
		return nil
	}

	switch kind {
	case control.KindShuffle:
		if err := want(1); err != nil {
			return nil, err
		}
		on, err := parseOnOff(rest[0])
		if err != nil {
			return nil, err
		}
		return control.Shuffle{Current: on}, nil

	case control.KindSkipPrev:
		if err := want(2); err != nil {
			return nil, err
		}
		progress, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid progress_ms %q", rest[0])
		}
		duration, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration_ms %q", rest[1])
		}
		return control.SkipPrev{ProgressMs: progress, DurationMs: duration}, nil

	case control.KindPlayPause:
		if err := want(1); err != nil {
			return nil, err
		}
		playing, err := parseOnOff(rest[0])
		if err != nil {
			return nil, err
		}
		return control.PlayPause{Playing: playing}, nil

	case control.KindSkipNext:
		if err := want(0); err != nil {
			return nil, err
		}
		return control.SkipNext{}, nil

	case control.KindRepeat:
		if err := want(1); err != nil {
			return nil, err
		}
		st := stream.RepeatState(strings.ToLower(rest[0]))
		if !st.Valid() {
			return nil, fmt.Errorf("invalid repeat state %q (expected off|context|track)", rest[0])
		}
		return control.Repeat{Current: st}, nil

	case control.KindSeek:
		if err := want(1); err != nil {
			return nil, err
		}
		pos, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid position_ms %q", rest[0])
		}
		return control.Seek{NewProgressMs: pos}, nil

	case control.KindVolume:
		if err := want(1); err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid volume %q", rest[0])
		}
		return control.Volume{NewVolume: v}, nil
	}

	return nil, fmt.Errorf("%w: %q", control.ErrUnknownInteraction, args[0])
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q (expected on|off)", s)
}
