package zone

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/oebus/zonefabric/internal/device"
	"github.com/oebus/zonefabric/internal/model"
)

type valueJSON struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

func (v valueJSON) toModel(t model.ReadingType) model.Value {
	if model.ValueKindForType(t) == model.ValueBool {
		switch val := v.Value.(type) {
		case bool:
			return model.BoolValue(val)
		case float64:
			return model.BoolValue(val != 0)
		default:
			return model.BoolValue(false)
		}
	}
	if f, ok := v.Value.(float64); ok {
		return model.FloatValue(f, v.Unit)
	}
	return model.FloatValue(0, v.Unit)
}

type deviceTargetJSON struct {
	Home   string    `json:"home"`
	Zone   string    `json:"zone"`
	Device string    `json:"device"`
	Type   string    `json:"type"`
	Value  valueJSON `json:"value"`
}

func (d deviceTargetJSON) toModel(defaultHome model.HomeID, defaultZone model.ZoneID) model.DeviceTarget {
	home, zoneID := defaultHome, defaultZone
	if d.Home != "" {
		home = model.HomeID(d.Home)
	}
	if d.Zone != "" {
		zoneID = model.ZoneID(d.Zone)
	}
	t := model.ReadingType(d.Type)
	return model.DeviceTarget{
		Addr:  model.Addr{Home: home, Zone: zoneID, Device: model.DeviceID(d.Device), Type: t},
		Value: d.Value.toModel(t),
	}
}

type scheduleJSON struct {
	Days    []int              `json:"days"`
	Start   string             `json:"start"`
	Changes []deviceTargetJSON `json:"changes"`
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid start time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start minute in %q: %w", s, err)
	}
	return hour, minute, nil
}

func (s scheduleJSON) toModel(home model.HomeID, zoneID model.ZoneID) (model.Schedule, error) {
	hour, minute, err := parseHHMM(s.Start)
	if err != nil {
		return model.Schedule{}, err
	}

	targets := make([]model.DeviceTarget, 0, len(s.Changes))
	for _, c := range s.Changes {
		targets = append(targets, c.toModel(home, zoneID))
	}

	return model.Schedule{
		Days:    model.DayMaskOf(s.Days...),
		Hour:    hour,
		Minute:  minute,
		Targets: targets,
	}, nil
}

func parseSchedules(raw string, home model.HomeID, zoneID model.ZoneID) ([]model.Schedule, error) {
	var list []scheduleJSON
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parse schedules: %w", err)
	}
	schedules := make([]model.Schedule, 0, len(list))
	for _, s := range list {
		sched, err := s.toModel(home, zoneID)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	sortSchedules(schedules)
	return schedules, nil
}

func sortSchedules(s []model.Schedule) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Hour != s[j].Hour {
			return s[i].Hour < s[j].Hour
		}
		return s[i].Minute < s[j].Minute
	})
}

type overrideJSON struct {
	Start   string             `json:"start"`
	End     string             `json:"end"`
	Changes []deviceTargetJSON `json:"changes"`
}

func (o overrideJSON) toModel(home model.HomeID, zoneID model.ZoneID) (model.Override, error) {
	start, err := time.Parse(time.RFC3339, o.Start)
	if err != nil {
		return model.Override{}, fmt.Errorf("invalid override start %q: %w", o.Start, err)
	}
	end, err := time.Parse(time.RFC3339, o.End)
	if err != nil {
		return model.Override{}, fmt.Errorf("invalid override end %q: %w", o.End, err)
	}

	targets := make([]model.DeviceTarget, 0, len(o.Changes))
	for _, c := range o.Changes {
		targets = append(targets, c.toModel(home, zoneID))
	}

	return model.Override{Start: start.Unix(), End: end.Unix(), Targets: targets}, nil
}

func parseOverrides(raw string, home model.HomeID, zoneID model.ZoneID) ([]model.Override, error) {
	var list []overrideJSON
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	overrides := make([]model.Override, 0, len(list))
	for _, o := range list {
		ov, err := o.toModel(home, zoneID)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, ov)
	}
	sortOverrides(overrides)
	return overrides, nil
}

func sortOverrides(o []model.Override) {
	sort.SliceStable(o, func(i, j int) bool {
		if o[i].Start != o[j].Start {
			return o[i].Start < o[j].Start
		}
		return o[i].End < o[j].End
	})
}

// applyZoneConfigLocked implements shape 1 of spec.md §4.5: replace
// schedules and/or overrides if the payload supplies them, re-sorted.
func (z *Zone) applyZoneConfigLocked(payload []byte) {
	if result := gjson.GetBytes(payload, "schedules"); result.Exists() && result.IsArray() {
		schedules, err := parseSchedules(result.Raw, z.home, z.id)
		if err != nil {
			log := zoneLogger(z)
			log.Warn().Err(err).Msg("invalid schedules in zone config, leaving previous schedules in place")
		} else {
			z.schedules = schedules
		}
	}

	if result := gjson.GetBytes(payload, "overrides"); result.Exists() && result.IsArray() {
		overrides, err := parseOverrides(result.Raw, z.home, z.id)
		if err != nil {
			log := zoneLogger(z)
			log.Warn().Err(err).Msg("invalid overrides in zone config, leaving previous overrides in place")
		} else {
			z.overrides = overrides
		}
	}
}

type changeRuleJSON struct {
	Home      string `json:"home"`
	Zone      string `json:"zone"`
	Device    string `json:"device"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

func (c changeRuleJSON) toModel(defaultHome model.HomeID, defaultZone model.ZoneID) (model.ChangeRule, error) {
	home, zoneID := defaultHome, defaultZone
	if c.Home != "" {
		home = model.HomeID(c.Home)
	}
	if c.Zone != "" {
		zoneID = model.ZoneID(c.Zone)
	}

	var dir model.Direction
	switch c.Direction {
	case "increase":
		dir = model.Increase
	case "decrease":
		dir = model.Decrease
	default:
		return model.ChangeRule{}, fmt.Errorf("unknown change direction %q", c.Direction)
	}

	return model.ChangeRule{
		Target:    model.Addr{Home: home, Zone: zoneID, Device: model.DeviceID(c.Device), Type: model.ReadingType(c.Type)},
		Direction: dir,
	}, nil
}

type calibrationValueJSON struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// calibrationJSON keeps Calibration and Threshold as independent
// stanzas. The original firmware wrote the threshold's unit field from
// the calibration stanza (spec.md §9's noted bug); this type cannot
// reproduce that since each has its own Unit field decoded separately.
type calibrationJSON struct {
	Type        string               `json:"type"`
	Calibration calibrationValueJSON `json:"calibration"`
	Threshold   calibrationValueJSON `json:"threshold"`
}

func (c calibrationJSON) toModel() model.Calibration {
	return model.Calibration{
		ReadingType: model.ReadingType(c.Type),
		Offset:      model.FloatValue(c.Calibration.Value, c.Calibration.Unit),
		Threshold:   model.FloatValue(c.Threshold.Value, c.Threshold.Unit),
	}
}

type interfaceJSON struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	Interval *int   `json:"interval"`
}

type deviceConfigJSON struct {
	Interface    *interfaceJSON    `json:"interface"`
	Changes      []changeRuleJSON  `json:"changes"`
	Calibrations []calibrationJSON `json:"calibrations"`
}

const defaultSamplingIntervalMS = 60000

// applyDeviceConfigLocked implements shape 2 of spec.md §4.5. A device
// whose kind_matches the requested interface.type is reused in place —
// its interface stays initialized, only changes/calibrations/interval
// are updated below. A kind change (or no prior device) destroys
// whatever existed first, per spec.md §4.1's stated purpose for
// KindMatches, then constructs fresh.
func (z *Zone) applyDeviceConfigLocked(id model.DeviceID, payload []byte) {
	log := zoneLogger(z)

	hadActuator := z.hasActuatorLocked()
	defer func() {
		if hadActuator && !z.hasActuatorLocked() {
			z.notifyActuatorLossLocked()
		}
	}()

	ifaceType := gjson.GetBytes(payload, "interface.type")
	ifaceAddr := gjson.GetBytes(payload, "interface.address")
	if !ifaceType.Exists() || !ifaceAddr.Exists() {
		log.Info().Str("device", string(id)).Msg("device config missing interface.type/address, removing device")
		z.removeDeviceLocked(id)
		return
	}

	kind := model.DeviceKind(ifaceType.String())

	dev, ok := z.devices[id]
	if !ok || !dev.KindMatches(kind) {
		z.removeDeviceLocked(id)
		newDev, err := device.New(kind, id, ifaceAddr.String(), z.backends, z)
		if err != nil {
			log.Warn().Err(err).Str("device", string(id)).Str("kind", string(kind)).Msg("failed to initialize device, dropping")
			return
		}
		dev = newDev
	}

	var cfg deviceConfigJSON
	if err := json.Unmarshal(payload, &cfg); err != nil {
		log.Warn().Err(err).Str("device", string(id)).Msg("malformed device config, dropping device")
		dev.Close()
		delete(z.devices, id)
		return
	}

	if cfg.Changes != nil {
		changes := make([]model.ChangeRule, 0, len(cfg.Changes))
		for _, c := range cfg.Changes {
			rule, err := c.toModel(z.home, z.id)
			if err != nil {
				log.Warn().Err(err).Str("device", string(id)).Msg("invalid change rule, skipping")
				continue
			}
			changes = append(changes, rule)
		}
		dev.ApplyChanges(changes)
	}

	if cfg.Calibrations != nil {
		cals := make([]model.Calibration, 0, len(cfg.Calibrations))
		for _, c := range cfg.Calibrations {
			cals = append(cals, c.toModel())
		}
		dev.ApplyCalibrations(cals)
	}

	interval := defaultSamplingIntervalMS
	if cfg.Interface != nil && cfg.Interface.Interval != nil {
		interval = *cfg.Interface.Interval
	}
	dev.SetSamplingInterval(interval)

	z.devices[id] = dev
}
