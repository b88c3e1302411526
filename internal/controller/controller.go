// Package controller implements C6, the controller registry: the set of
// (HomeID, ZoneID) pairs this controller currently owns, ownership-driven
// subscribe/unsubscribe, and routing of every inbound message to the
// zones that own it. Unlike the teacher's internal/controller (a buffer
// tank / zone poller over local HVAC hardware), this controller has no
// polling loop of its own — all work happens on the transport callback,
// per spec.md §5's "one transport thread ... all configuration mutation
// happens on that thread."
package controller

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/oebus/zonefabric/internal/metrics"
	"github.com/oebus/zonefabric/internal/model"
	"github.com/oebus/zonefabric/internal/transport"
	"github.com/oebus/zonefabric/internal/zone"
)

// ZoneFactory constructs a zone for (home, id); injected so the
// controller never imports a concrete transport/backend pairing itself.
type ZoneFactory func(home model.HomeID, id model.ZoneID) *zone.Zone

const (
	homeConfigTopic        = "homes/+/config"
	zoneConfigWildcard      = "homes/+/zones/+/config"
	deviceWildcard          = "homes/+/zones/+/devices/+/+"
	ownedDeviceConfigFormat = "homes/%s/zones/%s/devices/+/config"
)

type zoneKey struct {
	home model.HomeID
	id   model.ZoneID
}

// Controller is the C6 registry. One Controller exists per running
// process; it owns every Zone this deployment currently serves.
type Controller struct {
	mu sync.Mutex

	mac       string
	transport transport.Transport
	newZone   ZoneFactory
	metrics   *metrics.Client

	zones map[zoneKey]*zone.Zone
}

// New constructs a Controller identified by mac (its colon-hex MAC
// address, compared case-insensitively against the "controller" field
// of zone config messages per spec.md §6).
func New(mac string, t transport.Transport, newZone ZoneFactory, m *metrics.Client) *Controller {
	return &Controller{
		mac:       mac,
		transport: t,
		newZone:   newZone,
		metrics:   m,
		zones:     map[zoneKey]*zone.Zone{},
	}
}

// Subscribe installs the controller's always-on subscriptions (spec.md
// §6): home config (reserved, currently unused by the core), zone
// config (ownership), and the device/+ wildcard covering both device
// configs and readings for every zone, owned or not.
func (c *Controller) Subscribe() error {
	if err := c.transport.Subscribe(homeConfigTopic, 1, c.handleHomeConfig); err != nil {
		return fmt.Errorf("subscribe %s: %w", homeConfigTopic, err)
	}
	if err := c.transport.Subscribe(zoneConfigWildcard, 1, c.handleZoneConfig); err != nil {
		return fmt.Errorf("subscribe %s: %w", zoneConfigWildcard, err)
	}
	if err := c.transport.Subscribe(deviceWildcard, 0, c.handleDeviceWildcard); err != nil {
		return fmt.Errorf("subscribe %s: %w", deviceWildcard, err)
	}
	return nil
}

// handleHomeConfig is reserved for home-level config per spec.md §6;
// the core does not yet act on it.
func (c *Controller) handleHomeConfig(topic string, _ []byte) {
	log.Debug().Str("topic", topic).Msg("home config received, no-op")
}

// handleZoneConfig implements C6's ownership logic plus forwarding to
// every currently owned zone for its own dispatch (spec.md §4.6).
func (c *Controller) handleZoneConfig(topic string, payload []byte) {
	parts := tokenize(topic)
	if len(parts) != 5 || parts[0] != "homes" || parts[2] != "zones" || parts[4] != "config" {
		log.Warn().Str("topic", topic).Msg("malformed zone config topic, ignoring")
		return
	}
	home, id := model.HomeID(parts[1]), model.ZoneID(parts[3])

	if owner, ok := zoneConfigController(payload); ok && strings.EqualFold(owner, c.mac) {
		c.ensureOwnedLocked(home, id)
	} else {
		c.ensureNotOwnedLocked(home, id)
	}

	c.forwardToOwned(parts, payload)
}

// handleDeviceWildcard implements the bulk device/reading wildcard
// subscription: every message on homes/+/zones/+/devices/+/+ is
// forwarded to every owned zone, which decides for itself whether the
// path names it (device config) or a remote zone (reading, shape 3).
func (c *Controller) handleDeviceWildcard(topic string, payload []byte) {
	parts := tokenize(topic)
	if len(parts) != 7 || parts[0] != "homes" || parts[2] != "zones" || parts[4] != "devices" {
		log.Warn().Str("topic", topic).Msg("malformed device topic, ignoring")
		return
	}
	c.forwardToOwned(parts, payload)
}

func (c *Controller) forwardToOwned(parts []string, payload []byte) {
	c.mu.Lock()
	zones := make([]*zone.Zone, 0, len(c.zones))
	for _, z := range c.zones {
		zones = append(zones, z)
	}
	c.mu.Unlock()

	for _, z := range zones {
		z.Dispatch(parts, payload)
	}
}

// ensureOwnedLocked implements spec.md §4.6's ownership acquisition:
// create the zone if it doesn't exist yet and subscribe to its
// per-device config topic — idempotent, so a repeated retained message
// announcing the same owner is a no-op besides the forward.
func (c *Controller) ensureOwnedLocked(home model.HomeID, id model.ZoneID) {
	c.mu.Lock()
	key := zoneKey{home, id}
	_, exists := c.zones[key]
	if !exists {
		c.zones[key] = c.newZone(home, id)
	}
	c.mu.Unlock()

	if exists {
		return
	}

	topic := fmt.Sprintf(ownedDeviceConfigFormat, home, id)
	if err := c.transport.Subscribe(topic, 1, c.handleDeviceWildcard); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to subscribe to owned zone's device config topic")
	}
	log.Info().Str("home", string(home)).Str("zone", string(id)).Msg("acquired zone ownership")
	if c.metrics != nil {
		c.metrics.Gauge("zonefabric.zones.owned", float64(c.ZoneCount()))
	}
}

// ensureNotOwnedLocked is the inverse: destroy the zone (tearing down
// all its devices) and unsubscribe, if it was ever owned.
func (c *Controller) ensureNotOwnedLocked(home model.HomeID, id model.ZoneID) {
	c.mu.Lock()
	key := zoneKey{home, id}
	z, existed := c.zones[key]
	if existed {
		delete(c.zones, key)
	}
	c.mu.Unlock()

	if !existed {
		return
	}

	z.Close()
	topic := fmt.Sprintf(ownedDeviceConfigFormat, home, id)
	if err := c.transport.Unsubscribe(topic); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to unsubscribe from relinquished zone's device config topic")
	}
	log.Info().Str("home", string(home)).Str("zone", string(id)).Msg("relinquished zone ownership")
	if c.metrics != nil {
		c.metrics.Gauge("zonefabric.zones.owned", float64(c.ZoneCount()))
	}
}

// Zone returns the zone owned for (home, id), if any — for tests and
// internal/adminhttp.
func (c *Controller) Zone(home model.HomeID, id model.ZoneID) (*zone.Zone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[zoneKey{home, id}]
	return z, ok
}

// Zones returns every currently owned zone, for internal/adminhttp.
func (c *Controller) Zones() []*zone.Zone {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*zone.Zone, 0, len(c.zones))
	for _, z := range c.zones {
		out = append(out, z)
	}
	return out
}

// ZoneCount reports how many zones this controller currently owns —
// spec.md P1.
func (c *Controller) ZoneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.zones)
}

// Close tears down every owned zone — spec.md §5 "Destroying the
// controller disconnects and stops the transport" handles the
// transport side; Close here handles the zone side of that teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	zones := c.zones
	c.zones = map[zoneKey]*zone.Zone{}
	c.mu.Unlock()

	for _, z := range zones {
		z.Close()
	}
}

func tokenize(topic string) []string {
	return strings.Split(topic, "/")
}

// zoneConfigController extracts the top-level "controller" field from a
// zone config payload without a full decode — the gjson existence-check
// pattern internal/zone/payload.go already uses for interface.type.
func zoneConfigController(payload []byte) (string, bool) {
	result := gjson.GetBytes(payload, "controller")
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}
