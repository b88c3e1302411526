package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oebus/zonefabric/internal/adminhttp"
	"github.com/oebus/zonefabric/internal/config"
	"github.com/oebus/zonefabric/internal/controller"
	"github.com/oebus/zonefabric/internal/device"
	"github.com/oebus/zonefabric/internal/gpio"
	"github.com/oebus/zonefabric/internal/logging"
	"github.com/oebus/zonefabric/internal/metrics"
	"github.com/oebus/zonefabric/internal/model"
	"github.com/oebus/zonefabric/internal/notify"
	"github.com/oebus/zonefabric/internal/transport"
	"github.com/oebus/zonefabric/internal/zone"
	"github.com/oebus/zonefabric/system/shutdown"
)

// registryAdapter exposes a *controller.Controller through the narrow
// view internal/adminhttp needs, without adminhttp importing the
// concrete zone/controller types (internal/adminhttp is built to be
// testable against a fake registry).
type registryAdapter struct {
	c *controller.Controller
}

func (r registryAdapter) Zones() []adminhttp.ZoneView {
	zones := r.c.Zones()
	out := make([]adminhttp.ZoneView, 0, len(zones))
	for _, z := range zones {
		out = append(out, z)
	}
	return out
}

func (r registryAdapter) Zone(home model.HomeID, id model.ZoneID) (adminhttp.ZoneView, bool) {
	return r.c.Zone(home, id)
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)

	log.Info().Str("mac", cfg.MAC).Str("broker", cfg.BrokerURL).Msg("starting zonefabric controller")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("safe mode enabled: actuator drives are suppressed")
	}

	metricsClient := metrics.New(cfg.Datadog.AgentAddr, cfg.Datadog.Namespace, cfg.Datadog.Tags)
	notifyClient := notify.New(cfg.Ntfy.Topic)

	backends := device.Backends{
		GPIO:    gpio.NewPinctrlGPIO(),
		OneWire: gpio.SysfsOneWire{},
		DHT:     noopDHT{},
		Metrics: metricsClient,
	}

	mqttClient, err := transport.NewMQTTClient(transport.Config{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientIDPrefix + "-" + cfg.MAC,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct mqtt client")
	}

	newZone := func(home model.HomeID, id model.ZoneID) *zone.Zone {
		return zone.New(home, id, mqttClient, backends, zone.SystemClock, metricsClient, notifyClient)
	}

	ctrl := controller.New(cfg.MAC, mqttClient, newZone, metricsClient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mqttClient.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	if err := ctrl.Subscribe(); err != nil {
		log.Fatal().Err(err).Msg("failed to install controller subscriptions")
	}

	admin := adminhttp.New(registryAdapter{c: ctrl})
	go func() {
		if err := admin.ListenAndServe(cfg.Admin.BindAddr); err != nil {
			log.Error().Err(err).Msg("admin http server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		shutdown.Shutdown(ctrl, mqttClient)
	case err := <-mqttClient.Fatal():
		if notifyErr := notifyClient.Send("zonefabric transport failure", err.Error()); notifyErr != nil {
			log.Warn().Err(notifyErr).Msg("failed to push fatal-transport notification")
		}
		shutdown.ShutdownWithError(ctrl, mqttClient, err, "fatal transport error")
	}
}

// noopDHT is the default DHT backend until a platform-specific
// bit-banging driver is wired in; spec.md §1 treats the DHT/one-wire
// GPIO drivers as an out-of-scope external collaborator, replaceable
// per deployment.
type noopDHT struct{}

func (noopDHT) Read(pin int) (gpio.DHTReading, error) {
	return gpio.DHTReading{}, errNoHardwareDHTBackend
}

var errNoHardwareDHTBackend = errors.New("no hardware DHT backend wired for this platform")
