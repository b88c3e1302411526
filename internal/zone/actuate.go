package zone

import "github.com/oebus/zonefabric/internal/model"

// actuateLocked implements C4 (spec.md §4.4). Called with z.mu already
// held, from setValueLocked.
func (z *Zone) actuateLocked(source model.Addr, value, target, threshold model.Value) {
	if model.WithinBand(value, target, threshold) {
		return
	}

	wantsIncrease := value.Number() < target.Number()

	for _, d := range z.devices {
		for _, rule := range d.Changes() {
			if !rule.Target.Matches(source) {
				continue
			}

			wantsOn := (rule.Direction == model.Increase) == wantsIncrease
			if wantsOn {
				d.On()
				z.metrics.Incr("zonefabric.actuations.on", "device:"+string(d.ID()))
			} else {
				d.Off()
				z.metrics.Incr("zonefabric.actuations.off", "device:"+string(d.ID()))
			}

			// A switch actuator publishes its own resulting reading here,
			// through the already-locked path, rather than holding a zone
			// back-reference (spec.md §9's guidance against back-references).
			if sw, ok := d.(interface{ SwitchState() bool }); ok {
				z.setValueLocked(d.ID(), model.ReadingSwitch, model.BoolValue(sw.SwitchState()), nil)
			}
		}
	}
}
