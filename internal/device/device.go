// Package device implements the C1 device drivers: DHT11/DHT22 and
// DS18x20 sensors, and GPIO switch actuators. Each device samples or
// drives its own hardware. Sensors report through a narrow ZonePublisher
// view of their owning zone and never see zone state beyond that; switch
// actuators hold no zone reference at all.
package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oebus/zonefabric/internal/gpio"
	"github.com/oebus/zonefabric/internal/metrics"
	"github.com/oebus/zonefabric/internal/model"
	"github.com/oebus/zonefabric/internal/sampler"
)

const sampleRetries = 3

// ZonePublisher is the view of a zone a device needs. threshold is nil for
// readings that carry none, e.g. switch state changes.
type ZonePublisher interface {
	SetValue(id model.DeviceID, readingType model.ReadingType, value model.Value, threshold *model.Value)
}

// Device is the capability surface the zone dispatcher, sampler, and
// actuation engine drive. Sensors implement sampling and ignore on/off;
// actuators implement on/off and ignore sampling interval changes. Both
// sides expose ApplyChanges/ApplyCalibrations/Changes so the dispatcher
// and actuation engine can treat every device uniformly.
type Device interface {
	ID() model.DeviceID
	Kind() model.DeviceKind
	KindMatches(kind model.DeviceKind) bool
	SetSamplingInterval(ms int)
	On()
	Off()
	ApplyChanges(changes []model.ChangeRule)
	ApplyCalibrations(cals []model.Calibration)
	Changes() []model.ChangeRule
	Close()
}

// Backends bundles the hardware collaborators a device may need; a
// concrete device only touches the one relevant to its kind. Metrics is
// optional (a nil *metrics.Client no-ops) and used only to count
// persistent sampling failures.
type Backends struct {
	GPIO    gpio.GPIO
	OneWire gpio.OneWire
	DHT     gpio.DHT
	Metrics *metrics.Client
}

// New constructs a device of the given kind. Returns an error if the
// address is malformed or a referenced pin is outside the allowed set —
// callers must treat this as "drop the device", never a partial device.
func New(kind model.DeviceKind, id model.DeviceID, address string, backends Backends, zone ZonePublisher) (Device, error) {
	switch kind {
	case model.KindDHT11, model.KindDHT22:
		return newDHTSensor(id, kind, address, backends.DHT, zone, backends.Metrics)
	case model.KindDS18x20:
		return newDS18x20Sensor(id, address, backends.OneWire, zone, backends.Metrics)
	case model.KindSwitch:
		return newSwitchActuator(id, address, backends.GPIO)
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}
}

// defaultThreshold is the hysteresis band used when no calibration covers
// a reading type.
func defaultThreshold(kind model.DeviceKind, t model.ReadingType) model.Value {
	switch {
	case kind == model.KindDS18x20 && t == model.ReadingTemperature:
		return model.FloatValue(0.2, "celsius")
	case (kind == model.KindDHT11 || kind == model.KindDHT22) && t == model.ReadingHumidity:
		return model.FloatValue(5, "percent")
	default:
		return model.FloatValue(0, "celsius")
	}
}

// applyCalibration returns raw adjusted by the offset of a matching
// calibration plus its threshold, or raw unchanged plus the kind default.
func applyCalibration(cals map[model.ReadingType]model.Calibration, kind model.DeviceKind, t model.ReadingType, raw model.Value) (model.Value, model.Value) {
	if cal, ok := cals[t]; ok {
		return raw.WithOffset(cal.Offset.Number()), cal.Threshold
	}
	return raw, defaultThreshold(kind, t)
}

// humidex derives the comfort index from temperature (celsius) and
// relative humidity (percent).
func humidex(tempC, humidityPct float64) float64 {
	e := 6.112 * math.Pow(10, 7.5*tempC/(237.7+tempC)) * (humidityPct / 100)
	if e > 10 {
		return math.Round((tempC+(e-10)*5/9)*10) / 10
	}
	return tempC
}

func calibrationMap(cals []model.Calibration) map[model.ReadingType]model.Calibration {
	m := make(map[model.ReadingType]model.Calibration, len(cals))
	for _, c := range cals {
		m[c.ReadingType] = c
	}
	return m
}

// --- DHT11/DHT22 ---

type dhtSensor struct {
	mu           sync.Mutex
	id           model.DeviceID
	kind         model.DeviceKind
	pin          int
	backend      gpio.DHT
	zone         ZonePublisher
	metrics      *metrics.Client
	calibrations map[model.ReadingType]model.Calibration
	worker       *sampler.Worker
}

func newDHTSensor(id model.DeviceID, kind model.DeviceKind, address string, backend gpio.DHT, zone ZonePublisher, m *metrics.Client) (*dhtSensor, error) {
	pin, err := strconv.Atoi(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dht address %q: %w", address, err)
	}
	if !gpio.ValidPin(pin) {
		return nil, fmt.Errorf("gpio pin %d not in allowed set", pin)
	}
	return &dhtSensor{id: id, kind: kind, pin: pin, backend: backend, zone: zone, metrics: m, calibrations: map[model.ReadingType]model.Calibration{}}, nil
}

func (d *dhtSensor) ID() model.DeviceID             { return d.id }
func (d *dhtSensor) Kind() model.DeviceKind          { return d.kind }
func (d *dhtSensor) KindMatches(k model.DeviceKind) bool { return k == d.kind }
func (d *dhtSensor) On()                             {}
func (d *dhtSensor) Off()                            {}
func (d *dhtSensor) ApplyChanges(_ []model.ChangeRule) {}
func (d *dhtSensor) Changes() []model.ChangeRule     { return nil }

func (d *dhtSensor) ApplyCalibrations(cals []model.Calibration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calibrations = calibrationMap(cals)
}

func (d *dhtSensor) SetSamplingInterval(ms int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.worker != nil {
		d.worker.Stop()
		d.worker = nil
	}
	if ms <= 0 {
		return
	}
	d.worker = sampler.Start(time.Duration(ms)*time.Millisecond, d.sample)
}

func (d *dhtSensor) Close() {
	d.mu.Lock()
	w := d.worker
	d.worker = nil
	d.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (d *dhtSensor) sample() {
	reading, err := readDHTWithRetries(d.backend, d.pin, sampleRetries)
	if err != nil {
		log.Warn().Err(err).Str("device", string(d.id)).Msg("dht sample failed, skipping cycle")
		d.metrics.Incr("zonefabric.sampling.failures", "device:"+string(d.id))
		return
	}

	d.mu.Lock()
	cals := d.calibrations
	d.mu.Unlock()

	temp, tempThreshold := applyCalibration(cals, d.kind, model.ReadingTemperature, model.FloatValue(reading.CelsiusTemp, "celsius"))
	humidity, humidityThreshold := applyCalibration(cals, d.kind, model.ReadingHumidity, model.FloatValue(reading.HumidityPct, "percent"))
	humidexVal, humidexThreshold := applyCalibration(cals, d.kind, model.ReadingHumidex, model.FloatValue(humidex(temp.Float, humidity.Float), "celsius"))

	d.zone.SetValue(d.id, model.ReadingTemperature, temp, &tempThreshold)
	d.zone.SetValue(d.id, model.ReadingHumidity, humidity, &humidityThreshold)
	d.zone.SetValue(d.id, model.ReadingHumidex, humidexVal, &humidexThreshold)
}

func readDHTWithRetries(backend gpio.DHT, pin int, retries int) (gpio.DHTReading, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		reading, err := backend.Read(pin)
		if err == nil {
			return reading, nil
		}
		lastErr = err
		if attempt < retries {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return gpio.DHTReading{}, lastErr
}

// --- DS18x20 ---

type ds18x20Sensor struct {
	mu           sync.Mutex
	id           model.DeviceID
	pin          int
	romAddress   string
	backend      gpio.OneWire
	zone         ZonePublisher
	metrics      *metrics.Client
	calibrations map[model.ReadingType]model.Calibration
	worker       *sampler.Worker
}

func newDS18x20Sensor(id model.DeviceID, address string, backend gpio.OneWire, zone ZonePublisher, m *metrics.Client) (*ds18x20Sensor, error) {
	pinStr, rom, ok := strings.Cut(address, ":")
	if !ok || rom == "" {
		return nil, fmt.Errorf("ds18x20 address %q must be <pin>:<rom-hex>", address)
	}
	pin, err := strconv.Atoi(pinStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ds18x20 pin in address %q: %w", address, err)
	}
	if !gpio.ValidPin(pin) {
		return nil, fmt.Errorf("gpio pin %d not in allowed set", pin)
	}
	return &ds18x20Sensor{id: id, pin: pin, romAddress: rom, backend: backend, zone: zone, metrics: m, calibrations: map[model.ReadingType]model.Calibration{}}, nil
}

func (d *ds18x20Sensor) ID() model.DeviceID               { return d.id }
func (d *ds18x20Sensor) Kind() model.DeviceKind           { return model.KindDS18x20 }
func (d *ds18x20Sensor) KindMatches(k model.DeviceKind) bool { return k == model.KindDS18x20 }
func (d *ds18x20Sensor) On()                              {}
func (d *ds18x20Sensor) Off()                             {}
func (d *ds18x20Sensor) ApplyChanges(_ []model.ChangeRule) {}
func (d *ds18x20Sensor) Changes() []model.ChangeRule      { return nil }

func (d *ds18x20Sensor) ApplyCalibrations(cals []model.Calibration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calibrations = calibrationMap(cals)
}

func (d *ds18x20Sensor) SetSamplingInterval(ms int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.worker != nil {
		d.worker.Stop()
		d.worker = nil
	}
	if ms <= 0 {
		return
	}
	d.worker = sampler.Start(time.Duration(ms)*time.Millisecond, d.sample)
}

func (d *ds18x20Sensor) Close() {
	d.mu.Lock()
	w := d.worker
	d.worker = nil
	d.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (d *ds18x20Sensor) sample() {
	raw, err := gpio.ReadCelsiusWithRetries(d.backend, d.romAddress, sampleRetries)
	if err != nil {
		log.Warn().Err(err).Str("device", string(d.id)).Msg("ds18x20 sample failed, skipping cycle")
		d.metrics.Incr("zonefabric.sampling.failures", "device:"+string(d.id))
		return
	}
	d.mu.Lock()
	cals := d.calibrations
	d.mu.Unlock()
	value, threshold := applyCalibration(cals, model.KindDS18x20, model.ReadingTemperature, model.FloatValue(raw, "celsius"))
	d.zone.SetValue(d.id, model.ReadingTemperature, value, &threshold)
}

// --- Switch actuator ---

// switchActuator holds no reference to its owning zone. The zone's
// actuation engine calls On/Off and then reads SwitchState itself to
// publish the resulting reading — that keeps the zone's own lock from
// ever being re-entered on the goroutine that triggered the actuation.
type switchActuator struct {
	mu      sync.Mutex
	id      model.DeviceID
	pin     int
	invert  bool
	backend gpio.GPIO
	state   bool
	changes []model.ChangeRule
}

func newSwitchActuator(id model.DeviceID, address string, backend gpio.GPIO) (*switchActuator, error) {
	pin, invert, err := parseSwitchAddress(address)
	if err != nil {
		return nil, err
	}
	if !gpio.ValidPin(pin) {
		return nil, fmt.Errorf("gpio pin %d not in allowed set", pin)
	}
	return &switchActuator{id: id, pin: pin, invert: invert, backend: backend}, nil
}

func parseSwitchAddress(address string) (int, bool, error) {
	pinStr, flag, _ := strings.Cut(address, ":")
	pin, err := strconv.Atoi(pinStr)
	if err != nil {
		return 0, false, fmt.Errorf("invalid gpio address %q: %w", address, err)
	}
	return pin, flag == "invert", nil
}

func (s *switchActuator) ID() model.DeviceID              { return s.id }
func (s *switchActuator) Kind() model.DeviceKind          { return model.KindSwitch }
func (s *switchActuator) KindMatches(k model.DeviceKind) bool { return k == model.KindSwitch }
func (s *switchActuator) SetSamplingInterval(_ int)       {}
func (s *switchActuator) ApplyCalibrations(_ []model.Calibration) {}

func (s *switchActuator) ApplyChanges(changes []model.ChangeRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = changes
}

func (s *switchActuator) Changes() []model.ChangeRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

func (s *switchActuator) On() {
	s.mu.Lock()
	sw := gpio.Switch{Pin: s.pin, ActiveHigh: !s.invert}
	s.mu.Unlock()
	if err := gpio.Activate(s.backend, sw); err != nil {
		log.Error().Err(err).Str("device", string(s.id)).Msg("failed to activate switch")
		return
	}
	s.mu.Lock()
	s.state = true
	s.mu.Unlock()
}

func (s *switchActuator) Off() {
	s.mu.Lock()
	sw := gpio.Switch{Pin: s.pin, ActiveHigh: !s.invert}
	s.mu.Unlock()
	if err := gpio.Deactivate(s.backend, sw); err != nil {
		log.Error().Err(err).Str("device", string(s.id)).Msg("failed to deactivate switch")
		return
	}
	s.mu.Lock()
	s.state = false
	s.mu.Unlock()
}

// SwitchState reports the actuator's last commanded state. Callers that
// need to publish a switch reading (the zone's actuation engine) type-
// assert for this rather than the device calling back into the zone.
func (s *switchActuator) SwitchState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *switchActuator) Close() {
	s.Off()
}
