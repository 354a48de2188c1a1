package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/nugget/envnode/internal/buildinfo"
	"github.com/nugget/envnode/internal/config"
	"github.com/nugget/envnode/internal/connwatch"
	"github.com/nugget/envnode/internal/display"
	"github.com/nugget/envnode/internal/metrics"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/orchestrator"
	"github.com/nugget/envnode/internal/power"
	"github.com/nugget/envnode/internal/sensors"
	"github.com/nugget/envnode/internal/sensors/i2cdev"
	"github.com/nugget/envnode/internal/telemetry"
	"github.com/nugget/envnode/internal/timesync"
	"github.com/nugget/envnode/internal/wireless"
)

// runServe handles "envnode serve": it wires the hardware and network
// boundaries to the control loop and runs it until SIGINT/SIGTERM or
// the power button.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting envnode", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "device", cfg.Device.Name)

	if !cfg.MQTT.Configured() {
		return errors.New("mqtt.broker must be set to run serve")
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}

	pool, closeBus := buildSensors(cfg.Sensors, logger)
	defer closeBus()

	radio, closeRadio, err := buildRadio(cfg.WiFi)
	if err != nil {
		return err
	}
	defer closeRadio()
	link := wireless.New(radio, wireless.Config{
		SSID:     cfg.WiFi.SSID,
		Password: cfg.WiFi.Password,
		Hostname: cfg.WiFi.Hostname,
	}, logger.With("component", "wifi"))

	clock := buildClock(cfg.NTP.Clock)
	syncer := timesync.NewNTPSyncer(cfg.NTP.Server, time.Duration(cfg.NTP.QueryTimeoutSec)*time.Second)
	timeMachine := timesync.New(syncer, clock, timesync.Options{RetryFailed: cfg.NTP.RetryFailed}, logger.With("component", "timesync"))

	broker, err := mqtt.NewPahoBroker(cfg.MQTT.Broker)
	if err != nil {
		return err
	}
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = mqtt.DefaultClientID(instanceID)
	}
	session := mqtt.NewSession(broker, mqtt.Options{
		DeviceName:      cfg.Device.Name,
		InstanceID:      instanceID,
		Topic:           cfg.MQTT.Topic,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		Credentials: mqtt.Credentials{
			ClientID: clientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		},
		ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second,
		Backoff:        backoffPolicy(cfg.MQTT.SessionBackoff),
		Entities:       func() []mqtt.Entity { return entities(pool) },
	}, logger.With("component", "mqtt"))
	logger.Info("broker configured", "broker", broker.Addr(), "client_id", clientID, "topic", session.Topic())

	publisher := telemetry.NewPublisher(session, cfg.MQTT.PublishPeriod, cfg.Device.Name, clock.Now, logger.With("component", "telemetry"))

	button, halter, battery, err := buildPower(cfg.Power)
	if err != nil {
		return err
	}

	screen, closeScreen, err := buildScreen(cfg.Display, stderr)
	if err != nil {
		return err
	}
	defer closeScreen()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	health := connwatch.NewRegistry(logger.With("component", "health"))
	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(m, health, logger.With("component", "metrics"))
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics listener failed", "address", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	loop, err := orchestrator.New(orchestrator.Config{
		Sensors:   pool,
		Link:      link,
		Time:      timeMachine,
		Messaging: session,
		Publisher: publisher,
		Button:    button,
		Halter:    halter,
		Battery:   battery,
		Screen:    screen,
		Clock:     clock.Now,
		Metrics:   m,
		Health:    health,
		Interval:  time.Duration(cfg.Loop.TickIntervalMS) * time.Millisecond,
	}, logger.With("component", "loop"))
	if err != nil {
		return err
	}

	err = loop.Run(ctx)
	if errors.Is(err, orchestrator.ErrPoweredOff) {
		logger.Info("envnode stopped by power button")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("envnode stopped")
	return nil
}

// buildSensors registers a driver per configured device. When the bus
// cannot be opened the sensors are still registered, with drivers that
// fail to initialize, so they show up as not found.
func buildSensors(cfg config.SensorsConfig, logger *slog.Logger) (*sensors.Pool, func()) {
	pool := sensors.NewPool(sensors.Options{
		DemoteAfter: cfg.DemoteAfterFailures,
		InitBackoff: backoffPolicy(cfg.InitBackoff),
	}, logger.With("component", "sensors"))

	var bus i2c.BusCloser
	bus, busErr := i2cdev.OpenBus(cfg.Bus)
	if busErr != nil {
		logger.Warn("i2c bus unavailable, sensors will report not found", "bus", cfg.Bus, "error", busErr)
	}

	for _, dev := range cfg.Devices {
		kind := sensors.Kind(dev.Kind)
		if busErr != nil {
			pool.Register(kind, failingDriver(busErr))
			continue
		}
		d, err := i2cdev.New(kind, bus, dev.Address)
		if err != nil {
			logger.Warn("unknown sensor kind, skipping", "kind", dev.Kind, "error", err)
			continue
		}
		pool.Register(kind, d)
	}

	closeBus := func() {}
	if bus != nil {
		closeBus = func() { _ = bus.Close() }
	}
	return pool, closeBus
}

func failingDriver(err error) sensors.Driver {
	return sensors.DriverFuncs{
		InitFunc: func(context.Context) error { return err },
		ReadFunc: func(context.Context) (sensors.Reading, error) { return sensors.Reading{}, err },
	}
}

// entities lists every quantity the registered sensors report, in
// registration order.
func entities(pool *sensors.Pool) []mqtt.Entity {
	desc := pool.Describe()
	var out []mqtt.Entity
	for _, kind := range pool.Kinds() {
		for _, q := range desc[kind] {
			out = append(out, mqtt.Entity{Group: string(kind), Name: q.Name, Unit: q.Unit})
		}
	}
	return out
}

func buildRadio(cfg config.WiFiConfig) (wireless.Radio, func(), error) {
	if !cfg.Configured() {
		return wireless.WiredRadio{Interface: cfg.Interface}, func() {}, nil
	}
	r, err := wireless.OpenNL80211(cfg.Interface)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func buildClock(mode string) timesync.Clock {
	if mode == "process" {
		return timesync.NewOffsetClock()
	}
	return timesync.SystemClock{}
}

func buildPower(cfg config.PowerConfig) (power.Button, power.Halter, power.Battery, error) {
	var button power.Button = power.NoButton{}
	if cfg.ButtonPin != "" {
		b, err := power.OpenGPIOButton(cfg.ButtonPin)
		if err != nil {
			return nil, nil, nil, err
		}
		button = b
	}

	var halter power.Halter = power.ProcessHalter{}
	if cfg.HaltMode == "poweroff" {
		halter = power.PowerOffHalter{}
	}

	var battery power.Battery = power.NoBattery{}
	if cfg.Battery != "" {
		battery = power.NewSysfsBattery(cfg.Battery)
	}
	return button, halter, battery, nil
}

// buildScreen opens the configured display. A console with no output
// device draws on stderr so frames stay out of the log stream.
func buildScreen(cfg config.DisplayConfig, stderr io.Writer) (display.Screen, func(), error) {
	if cfg.Mode != "console" {
		return display.Discard{}, func() {}, nil
	}
	if cfg.Output == "" {
		return display.NewConsole(stderr), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_WRONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open display %s: %w", cfg.Output, err)
	}
	return display.NewConsole(f), func() { _ = f.Close() }, nil
}

// backoffPolicy returns nil (retry every tick) unless backoff is enabled.
func backoffPolicy(b config.BackoffConfig) *connwatch.BackoffConfig {
	if !b.Enabled {
		return nil
	}
	return &connwatch.BackoffConfig{
		InitialTicks: b.InitialTicks,
		MaxTicks:     b.MaxTicks,
		Multiplier:   b.Multiplier,
	}
}
