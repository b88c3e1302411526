package zone

import (
	"time"

	"github.com/oebus/zonefabric/internal/model"
)

// resolveTarget implements C3 (spec.md §4.3): overrides strictly
// dominate schedules, and within a list the last match wins.
func resolveTarget(overrides []model.Override, schedules []model.Schedule, addr model.Addr, now time.Time) (model.DeviceTarget, bool) {
	epoch := now.Unix()

	var (
		matched model.DeviceTarget
		found   bool
	)
	for _, o := range overrides {
		if o.Start <= epoch && epoch < o.End {
			if t, ok := firstMatch(o.Targets, addr); ok {
				matched, found = t, true
			}
		}
	}
	if found {
		return matched, true
	}

	weekday := int(now.Weekday())
	hour, minute := now.Hour(), now.Minute()
	for _, s := range schedules {
		if !s.Days.Has(weekday) {
			continue
		}
		if s.Hour > hour || (s.Hour == hour && s.Minute > minute) {
			continue
		}
		if t, ok := firstMatch(s.Targets, addr); ok {
			matched, found = t, true
		}
	}
	return matched, found
}

func firstMatch(targets []model.DeviceTarget, addr model.Addr) (model.DeviceTarget, bool) {
	for _, t := range targets {
		if t.Addr.Matches(addr) {
			return t, true
		}
	}
	return model.DeviceTarget{}, false
}
