// Command wemo-bridge exposes Belkin WeMo devices on the local network as a
// HomeKit bridge and mirrors their state to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/wemo-bridge/internal/config"
	"github.com/sweeney/wemo-bridge/internal/gpio"
	"github.com/sweeney/wemo-bridge/internal/homekit"
	"github.com/sweeney/wemo-bridge/internal/logging"
	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/metering"
	"github.com/sweeney/wemo-bridge/internal/mqtt"
	"github.com/sweeney/wemo-bridge/internal/platform"
	"github.com/sweeney/wemo-bridge/internal/status"
	"github.com/sweeney/wemo-bridge/internal/store"
	"github.com/sweeney/wemo-bridge/internal/web"
	"github.com/sweeney/wemo-bridge/internal/wemo"
)

// statusRefresh is how often connection state is copied into the tracker.
const statusRefresh = 5 * time.Second

var (
	configPath   string
	debug        bool
	discoverWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "wemo-bridge",
	Short:        "Bridge WeMo devices to HomeKit",
	Long:         "Discovers Belkin WeMo devices on the local network and exposes them as HomeKit accessories.",
	RunE:         runBridge,
	SilenceUsage: true,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List WeMo devices on the network and exit",
	RunE:  runDiscover,
}

func init() {
	_ = godotenv.Load() // .env is optional

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("WEMO_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	discoverCmd.Flags().DurationVarP(&discoverWait, "wait", "w", 0, "SSDP search wait (0 uses the configured value)")
	rootCmd.AddCommand(discoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, log, nil
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dc := discoveryConfig(cfg)
	if discoverWait > 0 {
		dc.Wait = discoverWait
	}

	// Nothing subscribes, so the event server is never started.
	events := wemo.NewEventServer(cfg.Events.Listen, "", cfg.Events.SubscriptionTimeout, log)
	src := platform.NewWemoSource(wemo.NewDiscoverer(dc, log), events, log)

	found, err := src.Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	return printDevices(cmd.OutOrStdout(), found)
}

// printDevices writes one line per device, sorted by id.
func printDevices(w io.Writer, found []platform.Found) error {
	sort.Slice(found, func(i, j int) bool { return found[i].Info.ID < found[j].Info.ID })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tMODEL\tFIRMWARE\tSETUP")
	for _, f := range found {
		info := f.Info
		setup := info.SetupURL
		if info.BridgeID != "" {
			setup = "bridge " + info.BridgeID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", info.ID, info.Kind, info.Name, info.Model, info.Firmware, setup)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d device(s)\n", len(found))
	return err
}

func runBridge(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callback, err := callbackBase(cfg.Events.CallbackURL, cfg.Events.Listen, net.InterfaceAddrs)
	if err != nil {
		return fmt.Errorf("event callback: %w", err)
	}
	events := wemo.NewEventServer(cfg.Events.Listen, callback, cfg.Events.SubscriptionTimeout, log)
	src := platform.NewWemoSource(wemo.NewDiscoverer(discoveryConfig(cfg), log), events, log)

	cache, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open device cache: %w", err)
	}
	defer cache.Close()

	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	bridge := homekit.NewBridge(homekit.Config{
		Name:     cfg.HomeKit.Name,
		Pin:      cfg.HomeKit.Pin,
		Addr:     cfg.HomeKit.Addr,
		StoreDir: cfg.HomeKit.StoreDir,
	}, log)

	sinks := logic.MultiSink{bridge, tracker}
	observers := []platform.Observer{bridge, tracker}

	var publisher mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTT.Enabled {
		rp, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, log)
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt unavailable, state mirror disabled")
		} else {
			defer rp.Close()
			publisher, mqttStatus = rp, rp
			stateSink := mqtt.NewStateSink(rp, log)
			sinks = append(sinks, stateSink)
			observers = append(observers, stateSink)
			go stateSink.Run(ctx, cfg.MQTT.Heartbeat)
		}
	}

	if cfg.InfluxDB.Enabled {
		w, err := metering.Connect(ctx, metering.Config{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		}, log)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.InfluxDB.URL).Msg("influxdb unavailable, power history disabled")
		} else {
			defer w.Close()
			rec := metering.NewRecorder(w)
			sinks = append(sinks, rec)
			observers = append(observers, rec)
		}
	}

	plat := platform.New(platformOptions(cfg), src, cache, sinks, log, observers...)

	errs := make(chan error, 4)
	go func() {
		if err := events.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("event server: %w", err)
		}
	}()
	go events.Run(ctx, cfg.Events.RenewInterval)

	platDone := make(chan struct{})
	go func() {
		defer close(platDone)
		if err := plat.Run(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("platform: %w", err)
		}
	}()

	if cfg.HTTP.Enabled {
		var control web.ControlFunc
		if cfg.HTTP.Control {
			control = controlFunc(plat)
		}
		srv := web.New(cfg.HTTP.Addr, tracker, control, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Bool("control", control != nil).Msg("http status server listening")
	}

	if cfg.GPIO.Enabled {
		contact, err := gpio.NewRealContact(cfg.GPIO.Chip, cfg.GPIO.Pin)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer contact.Close()
		w := gpio.NewWatcher(contact, plat, cfg.GPIO.Accessory, cfg.GPIO.Debounce, log)
		go w.Run(ctx, cfg.GPIO.Poll)
	}

	log.Info().
		Str("callback", callback).
		Dur("interval", cfg.Discovery.Interval).
		Dur("startup_timeout", cfg.Discovery.StartupTimeout).
		Bool("mqtt", publisher != nil).
		Msg("started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	err = runLoop(loopDeps{
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		count:      plat.Len,
		ready:      plat.Ready(),
		onReady: func() {
			go func() {
				if err := bridge.Serve(ctx); err != nil {
					errs <- err
				}
			}()
		},
		errs: errs,
		tick: ticker.C,
		sig:  sigCh,
		now:  time.Now,
		log:  log,
	})

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	select {
	case <-platDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("accessories did not close in time")
	}
	if serr := events.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("event server shutdown")
	}
	return err
}

// loopDeps are the collaborators of runLoop. publisher and mqttStatus are
// nil when MQTT is disabled.
type loopDeps struct {
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	count      func() int
	ready      <-chan struct{}
	onReady    func()
	errs       <-chan error
	tick       <-chan time.Time
	sig        <-chan os.Signal
	now        func() time.Time
	log        zerolog.Logger
}

// runLoop waits for the accessory set to be published, then runs until a
// signal or a fatal service error arrives.
func runLoop(d loopDeps) error {
	ready := d.ready
	for {
		select {
		case s := <-d.sig:
			d.log.Info().Str("signal", s.String()).Msg("shutting down")
			d.publishSystem("SHUTDOWN", signalName(s))
			return nil

		case err := <-d.errs:
			d.log.Error().Err(err).Msg("service failed, shutting down")
			d.publishSystem("SHUTDOWN", "ERROR")
			return err

		case <-ready:
			ready = nil
			d.tracker.SetReady()
			if d.onReady != nil {
				d.onReady()
			}
			d.log.Info().Int("accessories", d.count()).Msg("accessories published")
			d.publishSystem("STARTUP", "")

		case <-d.tick:
			if d.mqttStatus != nil {
				d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
			}
		}
	}
}

func (d loopDeps) publishSystem(event, reason string) {
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
	if d.publisher == nil {
		return
	}
	err := d.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:   d.now(),
		Event:       event,
		Reason:      reason,
		Accessories: d.count(),
		Retained:    true,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("event", event).Msg("failed to publish system event")
		return
	}
	d.log.Info().Str("event", event).Msg("published system event")
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// callbackBase returns the base URL devices use to deliver events. An
// empty configured value is derived from the first non-loopback IPv4
// address and the listen port.
func callbackBase(configured, listen string, addrs func() ([]net.Addr, error)) (string, error) {
	if configured != "" {
		return strings.TrimRight(configured, "/"), nil
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("parse listen address %q: %w", listen, err)
	}
	list, err := addrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range list {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return "http://" + net.JoinHostPort(ip4.String(), port), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address; set events.callback_url")
}

func discoveryConfig(cfg *config.Config) wemo.DiscoveryConfig {
	return wemo.DiscoveryConfig{
		SSDP:      cfg.Discovery.Enabled,
		Wait:      cfg.Discovery.SearchWait,
		LocalAddr: cfg.Discovery.LocalAddr,
		Manual:    cfg.Discovery.Manual,
		Ignore:    cfg.Discovery.Ignore,
	}
}

func platformOptions(cfg *config.Config) platform.Options {
	opts := platform.Options{
		Logic:               cfg.Timers.Logic(),
		Interval:            cfg.Discovery.Interval,
		StartupTimeout:      cfg.Discovery.StartupTimeout,
		UnreachableAfter:    cfg.Discovery.UnreachableAfter,
		ExpectedAccessories: cfg.Discovery.ExpectedAccessories,
		CommandTimeout:      cfg.Devices.CommandTimeout,
		RequestTimeout:      cfg.Devices.RequestTimeout,
	}
	if cfg.GPIO.Enabled && cfg.GPIO.Accessory != "" {
		opts.LocalSensors = []string{cfg.GPIO.Accessory}
	}
	return opts
}

func statusConfig(cfg *config.Config) status.Config {
	sc := status.Config{
		HomeKitName:       cfg.HomeKit.Name,
		DiscoveryInterval: cfg.Discovery.Interval,
		NoMotion:          time.Duration(cfg.Timers.NoMotion) * time.Second,
		DoorOpen:          time.Duration(cfg.Timers.DoorOpen) * time.Second,
	}
	if cfg.MQTT.Enabled {
		sc.Broker = cfg.MQTT.Broker
	}
	if cfg.HTTP.Enabled {
		sc.HTTPAddr = cfg.HTTP.Addr
	}
	return sc
}

// controlFunc adapts the platform registry to the web set endpoint.
func controlFunc(p *platform.Platform) web.ControlFunc {
	return func(id string) (web.Controllable, error) {
		a, err := p.Accessory(id)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}
