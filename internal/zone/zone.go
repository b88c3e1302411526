// Package zone implements C3 (target resolver), C4 (actuation engine)
// and C5 (zone state & config dispatcher). A Zone owns its device set,
// schedule list and override list behind a single mutex — spec.md §5's
// "a zone owns a lock/mailbox" — so publication, target resolution and
// actuation on one zone never interleave.
package zone

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oebus/zonefabric/internal/device"
	"github.com/oebus/zonefabric/internal/metrics"
	"github.com/oebus/zonefabric/internal/model"
)

// Publisher is the view of the transport a zone needs to publish reading
// envelopes; satisfied by *transport.MQTTClient.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Notifier is the view of internal/notify a zone needs to alert an
// operator when it loses every actuator it can drive — nil is safe,
// matching the notify package's own inert zero value.
type Notifier interface {
	Send(title, message string) error
}

// zoneLogger returns a logger pre-tagged with this zone's (home, id), the
// way internal/logging's callers elsewhere in the teacher's style attach
// static fields once via .With() rather than repeating .Str() at every
// call site.
func zoneLogger(z *Zone) zerolog.Logger {
	return log.With().Str("home", string(z.home)).Str("zone", string(z.id)).Logger()
}

// Clock supplies the current time. Now returns ok=false when no time
// source is available yet — spec.md §7's TimeUnavailable — so the
// resolver can withhold actuation instead of acting on a zero time.
type Clock interface {
	Now() (time.Time, bool)
}

type systemClock struct{}

func (systemClock) Now() (time.Time, bool) { return time.Now(), true }

// SystemClock is the default Clock, backed by the host's wall clock.
var SystemClock Clock = systemClock{}

// Zone is the C5 state container.
type Zone struct {
	mu sync.Mutex

	home model.HomeID
	id   model.ZoneID

	devices   map[model.DeviceID]device.Device
	schedules []model.Schedule
	overrides []model.Override

	backends  device.Backends
	publisher Publisher
	clock     Clock
	metrics   *metrics.Client
	notifier  Notifier
}

func New(home model.HomeID, id model.ZoneID, publisher Publisher, backends device.Backends, clock Clock, m *metrics.Client, n Notifier) *Zone {
	if clock == nil {
		clock = SystemClock
	}
	return &Zone{
		home:      home,
		id:        id,
		devices:   map[model.DeviceID]device.Device{},
		publisher: publisher,
		backends:  backends,
		clock:     clock,
		metrics:   m,
		notifier:  n,
	}
}

// hasActuatorLocked reports whether the zone currently owns at least one
// switch-kind device — the only actuator kind spec.md defines.
func (z *Zone) hasActuatorLocked() bool {
	for _, d := range z.devices {
		if d.Kind() == model.KindSwitch {
			return true
		}
	}
	return false
}

// notifyActuatorLossLocked alerts the operator that this zone can no
// longer drive anything — it has gone from having at least one actuator
// to having none, per SPEC_FULL.md's supplemented ntfy trigger.
func (z *Zone) notifyActuatorLossLocked() {
	if z.notifier == nil {
		return
	}
	msg := fmt.Sprintf("zone %s/%s has no actuators configured", z.home, z.id)
	if err := z.notifier.Send("zonefabric actuator loss", msg); err != nil {
		log.Warn().Err(err).Str("home", string(z.home)).Str("zone", string(z.id)).Msg("failed to push actuator-loss notification")
	}
}

func (z *Zone) Home() model.HomeID { return z.home }
func (z *Zone) ID() model.ZoneID   { return z.id }

// Matches reports whether (home, id) names this zone.
func (z *Zone) Matches(home model.HomeID, id model.ZoneID) bool {
	return z.home == home && z.id == id
}

// FindDevice returns the device with id and whether it exists — never a
// dangling pointer/iterator on miss (spec.md §9).
func (z *Zone) FindDevice(id model.DeviceID) (device.Device, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	d, ok := z.devices[id]
	return d, ok
}

// DeviceCount reports how many devices the zone currently owns.
func (z *Zone) DeviceCount() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.devices)
}

// Schedules and Overrides return copies of the zone's current lists, for
// observability (internal/adminhttp) and tests.
func (z *Zone) Schedules() []model.Schedule {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]model.Schedule(nil), z.schedules...)
}

func (z *Zone) Overrides() []model.Override {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]model.Override(nil), z.overrides...)
}

// Close destroys every device the zone owns — stopping sampler workers
// and driving actuators through their teardown — per spec.md §5
// "Destroying a zone destroys all its devices first."
func (z *Zone) Close() {
	z.mu.Lock()
	defer z.mu.Unlock()
	for id, d := range z.devices {
		d.Close()
		delete(z.devices, id)
	}
}

func (z *Zone) removeDeviceLocked(id model.DeviceID) {
	if d, ok := z.devices[id]; ok {
		d.Close()
		delete(z.devices, id)
	}
}

// Dispatch routes one already-tokenised topic path to the zone, per the
// three shapes in spec.md §4.5. The controller forwards every message on
// a device/zone-config topic to every zone it owns; Dispatch itself
// decides whether the path names this zone.
func (z *Zone) Dispatch(parts []string, payload []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()

	local := len(parts) >= 4 && parts[0] == "homes" && model.HomeID(parts[1]) == z.home &&
		parts[2] == "zones" && model.ZoneID(parts[3]) == z.id

	switch {
	case len(parts) == 7 && parts[4] == "devices" && parts[6] == "config":
		if local {
			z.applyDeviceConfigLocked(model.DeviceID(parts[5]), payload)
		}
	case len(parts) == 7 && parts[4] == "devices":
		if !local {
			z.handleRemoteReadingLocked(parts, payload)
		}
	case local && len(parts) == 5 && parts[4] == "config":
		z.applyZoneConfigLocked(payload)
	}
}

// handleRemoteReadingLocked is a hook for future cross-zone coordination
// (spec.md §9) — a no-op today besides a debug log.
func (z *Zone) handleRemoteReadingLocked(parts []string, _ []byte) {
	log.Debug().Strs("path", parts).Msg("remote device reading received, no-op")
}

// SetValue is the C1→C5 entry point: sensors call this after sampling
// (switch readings produced by actuation go through setValueLocked
// instead). It publishes the reading envelope, resolves the current
// target, and actuates any reacting devices, all under the zone's lock
// so no two actuations on this zone ever interleave (spec.md §5).
func (z *Zone) SetValue(id model.DeviceID, t model.ReadingType, value model.Value, threshold *model.Value) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.setValueLocked(id, t, value, threshold)
}

// setValueLocked is the reentrant core of SetValue: the actuation engine
// calls it directly (as a plain function call, not a fresh lock
// acquisition) to publish and react to the switch reading a device
// produces from On()/Off(), since the zone's mutex is already held by
// the outer SetValue call that triggered the actuation.
func (z *Zone) setValueLocked(id model.DeviceID, t model.ReadingType, value model.Value, threshold *model.Value) {
	addr := model.Addr{Home: z.home, Zone: z.id, Device: id, Type: t}

	var (
		target    model.DeviceTarget
		hasTarget bool
	)
	if now, ok := z.clock.Now(); ok {
		target, hasTarget = resolveTarget(z.overrides, z.schedules, addr, now)
	} else {
		log.Warn().Str("device", string(id)).Msg("no time source available, skipping target resolution")
	}

	z.publishReadingLocked(id, t, value, threshold, target, hasTarget)

	if !hasTarget {
		return
	}

	th := model.Value{}
	if threshold != nil {
		th = *threshold
	}
	z.actuateLocked(addr, value, target.Value, th)
}

type valueEnvelope struct {
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

type readingEnvelope struct {
	Time      string         `json:"time"`
	Value     valueEnvelope  `json:"value"`
	Target    *valueEnvelope `json:"target,omitempty"`
	Threshold *valueEnvelope `json:"threshold,omitempty"`
}

func jsonValue(v model.Value) valueEnvelope {
	if v.Kind == model.ValueBool {
		n := 0
		if v.Bool {
			n = 1
		}
		return valueEnvelope{Value: n}
	}
	if v.Kind == model.ValueInt {
		return valueEnvelope{Value: v.Int, Unit: v.Unit}
	}
	return valueEnvelope{Value: v.Float, Unit: v.Unit}
}

// publishReadingLocked implements "set_value always publishes" and the
// envelope shape of spec.md §4.5. Booleans never get a threshold field
// (P6).
func (z *Zone) publishReadingLocked(id model.DeviceID, t model.ReadingType, value model.Value, threshold *model.Value, target model.DeviceTarget, hasTarget bool) {
	env := readingEnvelope{
		Time:  time.Now().UTC().Format(time.RFC3339),
		Value: jsonValue(value),
	}
	if hasTarget {
		tv := jsonValue(target.Value)
		env.Target = &tv
	}
	if threshold != nil && value.Kind != model.ValueBool {
		tv := jsonValue(*threshold)
		env.Threshold = &tv
	}

	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reading envelope")
		return
	}

	topic := fmt.Sprintf("homes/%s/zones/%s/devices/%s/%s", z.home, z.id, id, t)
	if err := z.publisher.Publish(topic, 1, true, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish reading")
		return
	}
	if z.metrics != nil {
		z.metrics.Incr("zonefabric.readings.published", "zone:"+string(z.id))
	}
}
