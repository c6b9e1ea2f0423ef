package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/control"
	"spotifycontrols/internal/host"
	"spotifycontrols/internal/reconcile"
	"spotifycontrols/internal/render/mqttbridge"
	"spotifycontrols/internal/session"
	"spotifycontrols/internal/settings"
	"spotifycontrols/internal/stream"
)

// ============================================================================
// Daemon wiring
// ============================================================================
//
// Data flow:
//
//	dealer sockets --frames--> frame loop (single goroutine, arrival order)
//	    --> stream.Forwarder --> bus playerStateFrame / deviceStateFrame
//	    --> reconciler --> bus stateUpdate / shouldShowUpdate / ...
//	    --> websocket hub, MQTT bridge
//
//	websocket / IPC / MQTT --> bus controlInteraction --> dispatcher --> Web API
//
// All frames from all accounts pass through one goroutine so the reconciler
// observes them in socket arrival order.
// ============================================================================

// inboundFrame is one raw frame tagged with its account.
type inboundFrame struct {
	accountID string
	data      []byte
}

// frameQueueSize bounds frames waiting for the frame loop.
const frameQueueSize = 256

// shutdownTimeout bounds the work done after the context is canceled.
const shutdownTimeout = 3 * time.Second

// renderPatch adapts a function to session.RenderPatcher.
type renderPatch func() error

func (f renderPatch) Patch() error { return f() }

// daemon holds the wired components. Fields are set by newDaemon and never
// replaced.
type daemon struct {
	cfg        Config
	configPath string
	logger     *slog.Logger

	bus      *bus.Bus
	store    *settings.Store
	sc       *session.Context
	registry *session.Registry
	rec      *reconcile.Reconciler
	client   *control.Client
	disp     *control.Dispatcher
	fwd      *stream.Forwarder

	frames      chan inboundFrame
	done        chan struct{}
	doneOnce    sync.Once
	logFrames   atomic.Bool
	stateServer *StateServer
}

func newDaemon(cfg Config, configPath string, logger *slog.Logger) *daemon {
	d := &daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		bus:        bus.New(logger),
		store:      settings.NewStore(cfg.Settings),
		sc:         session.NewContext(),
		frames:     make(chan inboundFrame, frameQueueSize),
		done:       make(chan struct{}),
	}
	d.bus.SetDebug(cfg.Settings.Debug.Bus)
	d.logFrames.Store(cfg.Settings.Debug.Frames)

	d.fwd = &stream.Forwarder{Bus: d.bus, Logger: logger}
	d.rec = reconcile.New(d.bus, d.sc, d.store, logger)
	d.client = control.NewClient(cfg.Spotify.APIBaseURL, cfg.requestTimeout())
	d.disp = control.NewDispatcher(d.client, d.sc, nil, d.store, d.bus, logger)

	d.stateServer = NewStateServer(logger, d.bus, d.snapshot, HubConfig{})
	d.registry = session.NewRegistry(d.sc, session.FrameSinkFunc(d.queueFrame), renderPatch(d.patchRender), logger)
	d.registry.OnUnbind = d.rec.AccountGone
	return d
}

// snapshot builds the state_init payload from the session context.
func (d *daemon) snapshot() wsStateInit {
	snap := wsStateInit{
		Show:       d.sc.Show(),
		AccountID:  d.sc.Current(),
		Components: d.rec.Components(),
	}
	if last, ok := d.sc.LastState(); ok && last.AccountID == snap.AccountID {
		st := last.State
		snap.State = &st
	}
	return snap
}

// patchRender runs once, when accounts are first bound: every render target
// receives the initial visibility.
func (d *daemon) patchRender() error {
	d.bus.Emit(bus.TopicShouldShowUpdate, d.sc.Show())
	d.rec.PublishComponents()
	d.logger.Debug("render target attached")
	return nil
}

// queueFrame hands a frame to the frame loop. It blocks while the queue is
// full so that nothing is dropped or reordered, and gives up once the frame
// loop has stopped.
func (d *daemon) queueFrame(accountID string, data []byte) {
	select {
	case d.frames <- inboundFrame{accountID: accountID, data: data}:
	case <-d.done:
	}
}

// stopFrames releases producers blocked in queueFrame. Safe to call twice.
func (d *daemon) stopFrames() {
	d.doneOnce.Do(func() { close(d.done) })
}

// runFrameLoop forwards queued frames until ctx ends. Frames still queued at
// that point are discarded.
func (d *daemon) runFrameLoop(ctx context.Context) {
	defer d.stopFrames()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-d.frames:
			d.fwd.LogFrames = d.logFrames.Load()
			d.fwd.Forward(f.accountID, f.data)
		}
	}
}

// applySettings reacts to hot-reloaded settings outside the reconciler.
func (d *daemon) applySettings(caps host.Capabilities) func(settings.Values) {
	prevDisable := d.store.Get().DisableAutoPause
	return func(v settings.Values) {
		d.bus.SetDebug(v.Debug.Bus)
		d.logFrames.Store(v.Debug.Frames)

		if v.DisableAutoPause && !prevDisable && caps.AutoPause != nil {
			if err := caps.AutoPause.Disable(); err != nil {
				d.logger.Warn("disable auto pause failed", "error", err)
			}
		}
		prevDisable = v.DisableAutoPause
	}
}

// run wires every component and blocks until ctx ends or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg
	logger := d.logger

	comp, err := newCompanion(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("companion: %w", err)
	}
	defer comp.closeDealers()

	// --------------------------------------------------------------------
	// Resolve host modules
	// --------------------------------------------------------------------
	resolveCtx, cancelResolve := context.WithTimeout(ctx, cfg.resolveTimeout())
	caps := host.Resolve(resolveCtx, &host.Locator{Source: comp.table, PollInterval: 50 * time.Millisecond}, logger)
	cancelResolve()

	if caps.Tokens != nil {
		d.disp.SetTokenRefresher(caps.Tokens)
	}
	if caps.AutoPause != nil && d.store.Get().DisableAutoPause {
		if err := caps.AutoPause.Disable(); err != nil {
			logger.Warn("disable auto pause failed", "error", err)
		}
	}

	var mqttBridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		mc, err := mqttbridge.Dial(mqttbridge.Options{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			WillTopic: mqttbridge.StatusTopicFor(cfg.MQTT.TopicBase),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer mc.Close()
		mqttBridge = mqttbridge.New(mc, d.bus, cfg.MQTT.TopicBase, logger)
	}

	// --------------------------------------------------------------------
	// Core subscriptions
	// --------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	defer d.stopFrames()

	stopRec := d.rec.Start()
	defer stopRec()
	stopDisp := d.disp.Start(gctx)
	defer stopDisp()
	stopSettings := d.store.Subscribe(d.applySettings(caps))
	defer stopSettings()

	// --------------------------------------------------------------------
	// Render layers
	// --------------------------------------------------------------------
	if cfg.Render.WSListen != "" {
		mux := http.NewServeMux()
		d.stateServer.Register(mux, cfg.Render.Path)
		srv := &http.Server{Addr: cfg.Render.WSListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			d.stateServer.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, d.stateServer.Hub(), d.bus, logger)
			return nil
		})
		g.Go(func() error {
			logger.Info("state websocket listening", "addr", cfg.Render.WSListen, "path", cfg.Render.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("state websocket: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if mqttBridge != nil {
		g.Go(func() error { return mqttBridge.Run(gctx) })
	}

	// --------------------------------------------------------------------
	// Control surfaces
	// --------------------------------------------------------------------
	g.Go(func() error { return runIPCServer(gctx, cfg.IPC.SocketPath, d.bus, logger) })

	if d.configPath != "" {
		g.Go(func() error {
			err := settings.Watch(gctx, d.configPath, LoadSettingsFile, d.store, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				// The daemon keeps running without hot reload.
				logger.Warn("settings watcher stopped", "error", err)
			}
			return nil
		})
	}

	// --------------------------------------------------------------------
	// Sessions
	// --------------------------------------------------------------------
	g.Go(func() error {
		d.runFrameLoop(gctx)
		return nil
	})

	if caps.Sessions == nil {
		logger.Warn("no session store; waiting without accounts")
	} else {
		d.registry.BindAll(caps.Sessions.Accounts())
		seed(gctx, caps.Sessions, d.client, d.fwd, logger)
		comp.runDealers(gctx, g)

		g.Go(func() error {
			if err := d.registry.Watch(gctx, caps.Sessions, cfg.pollInterval()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.Info("spotifycontrols running",
		"accounts", len(cfg.Accounts),
		"ipc", cfg.IPC.SocketPath,
		"ws", cfg.Render.WSListen,
		"mqtt", cfg.MQTT.Enabled,
		"reauth", caps.Tokens != nil)

	<-gctx.Done()

	// --------------------------------------------------------------------
	// Shutdown
	// --------------------------------------------------------------------
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	comp.pauseOnExit(shutdownCtx, d.sc, d.disp)
	comp.closeDealers()
	d.disp.Wait()

	err = g.Wait()
	logger.Info("spotifycontrols stopped", "phase", d.rec.Phase())
	return err
}
