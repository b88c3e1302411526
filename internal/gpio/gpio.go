// Package gpio provides the hardware backends the zone engine drives
// devices through: digital output pins for switch actuators, and one-wire
// / DHT sensor reads for DS18x20 and DHT11/DHT22 devices. These are thin
// interfaces over external collaborators — the engine itself never talks
// to sysfs or a GPIO chip directly.
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AllowedPins is the set of GPIO numbers this deployment's board exposes
// for actuator wiring. Any pin outside this set is rejected at config time.
var AllowedPins = map[int]bool{
	0: true, 2: true, 4: true, 5: true, 12: true,
	13: true, 14: true, 15: true, 16: true,
}

// ValidPin reports whether pin is one of the board's usable GPIO numbers.
func ValidPin(pin int) bool {
	return AllowedPins[pin]
}

// Switch is a single digital output pin driving a switch-kind actuator.
// ActiveHigh records whether a logical "on" is a high or low level.
type Switch struct {
	Pin        int
	ActiveHigh bool
}

// GPIO is the backend for switch-kind devices: set and read a digital pin.
type GPIO interface {
	Set(pin int, high bool) error
	Level(pin int) (bool, error)
}

// pinctrlGPIO is the default GPIO backend, driving pins via the `pinctrl`
// command line tool present on Raspberry Pi OS.
type pinctrlGPIO struct {
	cli pinctrlCLI
}

func NewPinctrlGPIO() GPIO {
	return pinctrlGPIO{}
}

func (g pinctrlGPIO) Set(pin int, high bool) error {
	level := "dl"
	if high {
		level = "dh"
	}
	return g.cli.set(pin, "op", "pn", level)
}

func (g pinctrlGPIO) Level(pin int) (bool, error) {
	return g.cli.level(pin)
}

// safeMode, when enabled, turns Activate/Deactivate into no-ops. Set at
// startup from configuration so a misconfigured deployment can be brought
// up without energizing anything.
var safeMode bool

func SetSafeMode(enabled bool) {
	safeMode = enabled
}

// Activate and Deactivate drive a Switch to its on/off level, honoring
// ActiveHigh polarity and safe mode. Exposed as package vars, in the
// teacher's style, so tests can substitute a fake backend without a full
// interface plumb-through.
var Activate = func(backend GPIO, sw Switch) error {
	if safeMode {
		return nil
	}
	return backend.Set(sw.Pin, sw.ActiveHigh)
}

var Deactivate = func(backend GPIO, sw Switch) error {
	if safeMode {
		return nil
	}
	return backend.Set(sw.Pin, !sw.ActiveHigh)
}

// CurrentlyActive reports whether sw is presently energized.
func CurrentlyActive(backend GPIO, sw Switch) (bool, error) {
	level, err := backend.Level(sw.Pin)
	if err != nil {
		return false, err
	}
	return level == sw.ActiveHigh, nil
}

// OneWire reads a DS18x20-family sensor exposed through the kernel's
// w1 sysfs interface.
type OneWire interface {
	ReadCelsius(address string) (float64, error)
}

// SysfsOneWire reads temperature from /sys/bus/w1/devices/<address>/w1_slave.
type SysfsOneWire struct {
	BasePath string // defaults to /sys/bus/w1/devices when empty
}

func (o SysfsOneWire) ReadCelsius(address string) (float64, error) {
	base := o.BasePath
	if base == "" {
		base = "/sys/bus/w1/devices"
	}
	data, err := os.ReadFile(filepath.Join(base, address, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("read w1_slave for %s: %w", address, err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 || !strings.Contains(lines[0], "YES") {
		return 0, fmt.Errorf("crc check failed for one-wire device %s", address)
	}
	idx := strings.Index(lines[1], "t=")
	if idx < 0 {
		return 0, fmt.Errorf("no temperature field in w1_slave data for %s", address)
	}
	milliC, err := strconv.Atoi(lines[1][idx+2:])
	if err != nil {
		return 0, fmt.Errorf("parse temperature for %s: %w", address, err)
	}
	return float64(milliC) / 1000.0, nil
}

// ReadCelsiusWithRetries retries a one-wire read up to retries times,
// sleeping between attempts, before giving up.
func ReadCelsiusWithRetries(o OneWire, address string, retries int) (float64, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		temp, err := o.ReadCelsius(address)
		if err == nil {
			return temp, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("address", address).Int("attempt", attempt).Msg("one-wire read failed")
		if attempt < retries {
			time.Sleep(2 * time.Second)
		}
	}
	return 0, fmt.Errorf("one-wire read for %s failed after %d retries: %w", address, retries, lastErr)
}

// DHTReading is a combined temperature/humidity sample from a DHT11/DHT22.
type DHTReading struct {
	CelsiusTemp float64
	HumidityPct float64
}

// DHT reads a DHT11/DHT22 sensor by GPIO pin.
type DHT interface {
	Read(pin int) (DHTReading, error)
}
