// hapticd reads captured frames, classifies the configured screen regions
// by color and drives the haptic controllers over serial or Bluetooth SPP.
//
// Usage:
//
//	hapticd -config ~/haptics.cfg [options]
//
// Options:
//
//	-config string    Haptics configuration file (required)
//	-list-channels    Print candidate channels and Bluetooth pairings, then exit
//	-debug            Force debug logging
//	-save-on-exit     Persist live edits to the config file on shutdown
//
// Examples:
//
//	# Feed frames from a capture tool on stdin
//	capture-tool --bgra | hapticd -config ~/haptics.cfg
//
//	# Which port is the controller on?
//	hapticd -config ~/haptics.cfg -list-channels
//
// SIGHUP re-reads the config file; [module] and [color] edits apply live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/capture"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	"github.com/rehakomoon/VRCHapticsLite/pkg/discovery"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/metrics"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
	"github.com/rehakomoon/VRCHapticsLite/pkg/status"
	"github.com/rehakomoon/VRCHapticsLite/pkg/telemetry"
	"github.com/rehakomoon/VRCHapticsLite/pkg/trace"
)

func main() {
	configFile := flag.String("config", "", "Haptics configuration file (required)")
	listChannels := flag.Bool("list-channels", false, "Print candidate channels and exit")
	debug := flag.Bool("debug", false, "Force debug logging")
	saveOnExit := flag.Bool("save-on-exit", false, "Persist live edits on shutdown")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	ac, err := config.LoadAutosave(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	h, err := config.ParseHaptics(ac.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}

	closer, err := setupLogging(h.Log, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	disc := newDiscoverer(h.Discovery)
	if *listChannels {
		if err := printChannels(disc, h.Devices); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	d := &daemon{
		h:          h,
		ac:         ac,
		path:       *configFile,
		disc:       disc,
		saveOnExit: *saveOnExit,
		logger:     log.GetLogger("hapticd"),
	}
	if err := d.run(); err != nil {
		d.logger.WithError(err).Error("exiting")
		closer.Close()
		os.Exit(1)
	}
}

func setupLogging(lc config.LogConfig, debug bool) (io.Closer, error) {
	opts := log.Options{
		Level:  log.ParseLevel(lc.Level),
		Format: log.ParseFormat(lc.Format),
	}
	if debug {
		opts.Level = log.DEBUG
		opts.Caller = true
	}
	if lc.File != "" {
		opts.Rotation = &log.RotationConfig{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
	}
	return log.Setup(opts)
}

func newDiscoverer(dc config.DiscoveryConfig) discovery.Discoverer {
	if dc.Mode == "static" {
		return &discovery.Static{Channels: dc.Channels, Names: dc.Names}
	}
	return discovery.NewHost()
}

func printChannels(disc discovery.Discoverer, devices []config.DeviceConfig) error {
	channels, err := disc.ListChannels()
	if err != nil {
		return herrors.Wrap(err, herrors.ErrDiscovery, "listing channels")
	}
	fmt.Println("Channels:")
	if len(channels) == 0 {
		fmt.Println("  (none)")
	}
	for _, ch := range channels {
		fmt.Printf("  %s\n", ch)
	}

	if host, ok := disc.(*discovery.Host); ok {
		pairings, err := host.Pairings()
		if err != nil {
			fmt.Printf("Bluetooth pairings: %v\n", err)
		} else {
			fmt.Println("Bluetooth pairings:")
			sort.Slice(pairings, func(i, j int) bool { return pairings[i].Channel < pairings[j].Channel })
			for _, p := range pairings {
				fmt.Printf("  %-16s %-18s %s\n", p.Channel, p.Address, p.Name)
			}
		}
	}

	fmt.Println("Devices:")
	for _, dc := range devices {
		if dc.Channel != "" {
			fmt.Printf("  %s: %s (configured)\n", dc.ID, dc.Channel)
			continue
		}
		ch, ok, err := disc.ResolveNamedChannel(dc.Name)
		switch {
		case err != nil:
			fmt.Printf("  %s: %q lookup failed: %v\n", dc.ID, dc.Name, err)
		case ok:
			fmt.Printf("  %s: %q -> %s\n", dc.ID, dc.Name, ch)
		case len(channels) > 0:
			fmt.Printf("  %s: %q not paired, falling back to %s\n", dc.ID, dc.Name, channels[0])
		default:
			fmt.Printf("  %s: %q not paired, no channel available\n", dc.ID, dc.Name)
		}
	}
	return nil
}

type daemon struct {
	h          *config.Haptics
	ac         *config.AutosaveConfig
	path       string
	disc       discovery.Discoverer
	saveOnExit bool
	logger     *log.Logger

	metrics   *metrics.HapticsMetrics
	metricSrv *metrics.Server
	publisher *telemetry.Publisher
	recorder  *trace.Recorder
	colors    *settings.Colors
	registry  *config.Registry
	backend   *status.Backend
	statusSrv *status.Server

	devices   map[string]*device.Manager
	bridges   []*bridge.Bridge
	mailboxes []*capture.Mailbox
	detach    []func()
}

func (d *daemon) run() error {
	d.logger.Info("========================================")
	d.logger.Info("hapticd %s starting", status.Version)
	d.logger.Info("========================================")
	for _, w := range d.h.ColorWarnings {
		d.logger.Warn("%s", w)
	}
	if d.h.Capture.Width == 0 || d.h.Capture.Height == 0 {
		return config.ErrMissingSection("capture")
	}

	if err := d.buildObservers(); err != nil {
		return err
	}
	if err := d.buildPipeline(); err != nil {
		d.closeObservers()
		return err
	}

	source, err := capture.NewSource(capture.Config{
		Path:   d.h.Capture.Source,
		Width:  d.h.Capture.Width,
		Height: d.h.Capture.Height,
		FPS:    d.h.Capture.FPS,
		Loop:   d.h.Capture.Loop,
	})
	if err != nil {
		d.closePipeline()
		d.closeObservers()
		return err
	}

	d.metrics.AddFramePool(source.Pool())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	defer signal.Stop(hupCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry outlives the pipeline so the final state changes go out.
	telCtx, telCancel := context.WithCancel(context.Background())
	telDone := make(chan struct{})
	go func() {
		defer close(telDone)
		if d.publisher != nil {
			d.publisher.Run(telCtx)
		}
	}()

	d.startServers()
	d.watchReload(ctx, hupCh)

	for _, m := range d.devices {
		m.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, br := range d.bridges {
		br, mb := br, d.mailboxes[i]
		g.Go(func() error {
			return br.Run(gctx, mb)
		})
	}
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = herrors.FromPanic(r)
			}
		}()
		err = source.Run(gctx, func(f *capture.Frame) {
			d.metrics.CaptureFrame()
			capture.Broadcast(f, d.mailboxes...)
		})
		if err == nil {
			d.logger.Info("capture input ended")
			err = errCaptureEnded
		}
		return err
	})

	d.logger.Info("========================================")
	d.logger.Info("hapticd ready: %d module(s), %d device(s)", len(d.bridges), len(d.devices))
	d.logger.Info("Press Ctrl+C to stop")
	d.logger.Info("========================================")

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	var runErr error
	select {
	case sig := <-sigCh:
		d.logger.Info("received %s, shutting down", sig)
		cancel()
		runErr = <-waitErr
	case runErr = <-waitErr:
		cancel()
	}
	if errors.Is(runErr, errCaptureEnded) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	d.shutdown()
	telCancel()
	<-telDone
	d.closeObservers()
	d.logger.Info("hapticd stopped")
	return runErr
}

var errCaptureEnded = errors.New("capture ended")

func (d *daemon) buildObservers() error {
	d.metrics = metrics.New()

	if d.h.TracePath != "" {
		rec, err := trace.Create(d.h.TracePath, status.Version)
		if err != nil {
			return err
		}
		d.recorder = rec
		d.logger.WithFields(log.Fields{"path": d.h.TracePath, "session": rec.Session()}).Info("recording packet trace")
	}

	if d.h.MQTT.Broker != "" {
		pub, err := telemetry.Connect(telemetry.Config{
			Broker:      d.h.MQTT.Broker,
			TopicPrefix: d.h.MQTT.TopicPrefix,
			ClientID:    d.h.MQTT.ClientID,
			QoS:         byte(d.h.MQTT.QoS),
		})
		if err != nil {
			// Telemetry is optional; the haptics path runs without it.
			d.logger.WithError(err).Warn("mqtt telemetry disabled")
		} else {
			d.publisher = pub
		}
	}

	d.colors = settings.NewColors(d.h.Active, d.h.Inactive)
	d.backend = status.NewBackend(d.colors, d.ac)
	if d.h.StatusAddr != "" {
		d.statusSrv = status.New(status.Config{Addr: d.h.StatusAddr}, d.backend)
	}
	return nil
}

func (d *daemon) deviceObservers() []device.Option {
	opts := []device.Option{device.WithObserver(d.metrics)}
	if d.publisher != nil {
		opts = append(opts, device.WithObserver(d.publisher))
	}
	if d.statusSrv != nil {
		opts = append(opts, device.WithObserver(d.statusSrv))
	}
	if d.recorder != nil {
		opts = append(opts, device.WithObserver(d.recorder))
	}
	return opts
}

func (d *daemon) bridgeOptions() []bridge.Option {
	opts := []bridge.Option{
		bridge.WithObserver(d.metrics),
		bridge.WithForceTimeout(d.h.Core.ForceTimeout),
	}
	if d.publisher != nil {
		opts = append(opts, bridge.WithObserver(d.publisher))
	}
	if d.statusSrv != nil {
		opts = append(opts, bridge.WithObserver(d.statusSrv))
	}
	return opts
}

func (d *daemon) buildPipeline() error {
	if err := d.loadRegistry(); err != nil {
		return err
	}

	d.devices = make(map[string]*device.Manager, len(d.h.Devices))
	for _, dc := range d.h.Devices {
		m := device.New(device.Config{
			ID:           dc.ID,
			Name:         dc.Name,
			Channel:      dc.Channel,
			BaudRate:     dc.BaudRate,
			Interval:     dc.Interval,
			RetryBackoff: dc.RetryBackoff,
			AutoSetup:    dc.AutoSetup,
		}, d.disc, d.deviceObservers()...)
		d.devices[dc.ID] = m
		d.metrics.AddDevice(dc.ID, m.State())
		d.backend.AddDevice(m)
	}

	for _, mc := range d.h.Modules {
		params, err := bridge.ParametersFromConfig(mc)
		if err != nil {
			d.closePipeline()
			return err
		}
		module := d.moduleSettings(mc)
		br := bridge.New(params, module, d.colors, d.devices[mc.Device], d.bridgeOptions()...)
		mb := capture.NewMailbox(d.h.Core.FrameQueue)

		d.bridges = append(d.bridges, br)
		d.mailboxes = append(d.mailboxes, mb)
		d.detach = append(d.detach, br.Attach())
		d.metrics.AddMailbox(mc.Name, mb)
		d.backend.AddModule(br, mc.Device)

		d.logger.WithFields(log.Fields{
			"module": mc.Name,
			"device": mc.Device,
			"grid":   fmt.Sprintf("%dx%d", params.GridWidth, params.GridHeight),
			"sets":   len(params.PointSets),
		}).Info("module configured")
	}
	return nil
}

func (d *daemon) startServers() {
	if d.h.MetricsAddr != "" {
		d.metricSrv = metrics.NewServer(d.metrics, metrics.ServerConfig{
			Address: d.h.MetricsAddr,
			Ready:   d.devicesReady,
		})
		go func() {
			if err := d.metricSrv.ListenAndServe(); err != nil {
				d.logger.WithError(err).Error("metrics server failed")
			}
		}()
		d.logger.Info("metrics on http://%s/metrics", d.h.MetricsAddr)
	}
	if d.statusSrv != nil {
		go func() {
			if err := d.statusSrv.Start(); err != nil {
				d.logger.WithError(err).Error("status server failed")
			}
		}()
	}
}

// devicesReady reports the first device that has not completed a setup.
func (d *daemon) devicesReady() error {
	for id, m := range d.devices {
		if s := m.State(); s != device.Ready && s != device.Sending {
			return fmt.Errorf("device %s is %s", id, s)
		}
	}
	return nil
}

// loadRegistry builds the live settings from their sections so a reload
// can hand changed sections back to them.
func (d *daemon) loadRegistry() error {
	d.registry = config.NewRegistry()
	colors := func(*config.Section) (config.Module, error) { return d.colors, nil }
	d.registry.Register("color active", colors)
	d.registry.Register("color inactive", colors)
	d.registry.RegisterPrefix("module ", func(sec *config.Section) (config.Module, error) {
		mc, err := config.ParseModule(sec)
		if err != nil {
			return nil, err
		}
		return settings.NewModule(mc), nil
	})
	if _, err := d.registry.LoadModules(d.ac.Config); err != nil {
		return err
	}
	for _, name := range []string{"color active", "color inactive"} {
		if d.registry.GetModule(name) == nil {
			d.registry.Add(name, d.colors)
		}
	}
	d.logger.Debug("live sections: %s", strings.Join(d.registry.LoadedNames(), ", "))
	return nil
}

// moduleSettings returns the registry's module for mc, adding one for
// modules that have no section of their own (the built-in rotor).
func (d *daemon) moduleSettings(mc config.ModuleConfig) *settings.Module {
	section := "module " + mc.Name
	if m, ok := d.registry.GetModule(section).(*settings.Module); ok {
		return m
	}
	m := settings.NewModule(mc)
	d.registry.Add(section, m)
	return m
}

func (d *daemon) watchReload(ctx context.Context, hupCh <-chan os.Signal) {
	rm := config.NewReloadManager(d.registry, d.ac.Config, d.path)
	rm.OnReload(func(results []config.ReloadResult, err error) {
		if err != nil {
			d.logger.WithField("path", rm.GetConfigPath()).WithError(err).Error("config reload failed")
			return
		}
		if results != nil {
			d.ac.Rebase(rm.GetCurrentConfig())
		}
		for _, r := range results {
			entry := d.logger.WithField("section", r.Section)
			switch {
			case r.Error != nil:
				entry.WithError(r.Error).Warn("section not reloaded")
			case r.WasReloaded:
				entry.Info("section reloaded")
			}
		}
	})
	go rm.Watch(ctx, hupCh)
}

// shutdown stops the frame path, sends neutral frames and releases devices.
func (d *daemon) shutdown() {
	d.logger.Info("shutting down...")
	for _, mb := range d.mailboxes {
		mb.Close()
	}
	for _, fn := range d.detach {
		fn()
	}

	var wg sync.WaitGroup
	for _, br := range d.bridges {
		wg.Add(1)
		go func(br *bridge.Bridge) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.h.Core.ForceTimeout)
			defer cancel()
			br.Shutdown(ctx)
		}(br)
	}
	wg.Wait()

	if d.saveOnExit {
		if path, err := d.backend.SaveSettings(); err != nil {
			d.logger.WithError(err).Error("saving settings")
		} else {
			d.logger.Info("settings saved to %s", path)
		}
	}
	d.closePipeline()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if d.statusSrv != nil {
		if err := d.statusSrv.Stop(ctx); err != nil {
			d.logger.WithError(err).Warn("status server shutdown")
		}
	}
	if d.metricSrv != nil {
		if err := d.metricSrv.Shutdown(ctx); err != nil {
			d.logger.WithError(err).Warn("metrics server shutdown")
		}
	}
}

func (d *daemon) closePipeline() {
	for id, m := range d.devices {
		if err := m.Close(); err != nil {
			d.logger.WithField("device", id).WithError(err).Warn("close failed")
		}
	}
}

func (d *daemon) closeObservers() {
	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			d.logger.WithError(err).Warn("closing trace")
		} else {
			d.logger.Info("trace closed after %d events", d.recorder.Events())
		}
	}
}
