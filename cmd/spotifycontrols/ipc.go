package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/control"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local tools (the ctl subcommand, scripts, hotkey daemons) drive playback
// through this socket exactly like the widget buttons do.
//
// Protocol: line-delimited JSON
//   - Client sends: {"type": "volume", "data": {"new_volume": 40}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//
// Only peers running as the daemon's user (or root) are served.
// ============================================================================

// IPCResponse is sent back for every request line.
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // set when Status == "error"
}

// maxIPCLine bounds one request line.
const maxIPCLine = 64 << 10

// runIPCServer serves socketPath until ctx is canceled. Accepted interactions
// are emitted on b as controlInteraction.
func runIPCServer(ctx context.Context, socketPath string, b *bus.Bus, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, b, logger)
	}
}

// handleIPCConnection serves one client until it disconnects.
func handleIPCConnection(conn net.Conn, b *bus.Bus, logger *slog.Logger) {
	defer conn.Close()

	if err := checkPeer(conn); err != nil {
		logger.Warn("IPC peer rejected", "error", err)
		_ = json.NewEncoder(conn).Encode(IPCResponse{Status: "error", Error: "permission denied"})
		return
	}

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxIPCLine)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := IPCResponse{Status: "ok"}
		in, err := control.DecodeInteraction([]byte(line))
		if err != nil {
			resp = IPCResponse{Status: "error", Error: fmt.Sprintf("parse interaction: %v", err)}
		} else {
			b.Emit(bus.TopicControlInteraction, in)
		}

		if encErr := encoder.Encode(resp); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("IPC connection read error", "error", err)
	}
	logger.Debug("IPC connection closed")
}

// ============================================================================
// IPC Client
// ============================================================================

// SendIPCInteraction sends one interaction to the daemon and waits for the reply.
func SendIPCInteraction(socketPath string, in control.Interaction) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := control.EncodeInteraction(in)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send interaction: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
