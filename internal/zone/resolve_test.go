package zone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oebus/zonefabric/internal/model"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func TestResolveTargetSchedulesLastMatchOfDayWins(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	schedules := []model.Schedule{
		{Days: model.DayMaskOf(0, 1, 2, 3, 4, 5, 6), Hour: 6, Minute: 0, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(18, "celsius")},
		}},
		{Days: model.DayMaskOf(0, 1, 2, 3, 4, 5, 6), Hour: 9, Minute: 0, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(21, "celsius")},
		}},
	}

	// Wednesday 10:00 — both schedules have fired today, the later one wins.
	now := mustTime(t, "2026-08-05T10:00:00Z")
	target, ok := resolveTarget(nil, schedules, addr, now)
	assert.True(t, ok)
	assert.Equal(t, 21.0, target.Value.Float)
}

func TestResolveTargetScheduleExactTimeMatchIsActive(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	schedules := []model.Schedule{
		{Days: model.DayMaskOf(3), Hour: 10, Minute: 0, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(20, "celsius")},
		}},
	}
	now := mustTime(t, "2026-08-05T10:00:00Z") // Wednesday == weekday 3
	target, ok := resolveTarget(nil, schedules, addr, now)
	assert.True(t, ok)
	assert.Equal(t, 20.0, target.Value.Float)
}

func TestResolveTargetScheduleNotYetActiveReturnsNone(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	schedules := []model.Schedule{
		{Days: model.DayMaskOf(3), Hour: 12, Minute: 0, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(20, "celsius")},
		}},
	}
	now := mustTime(t, "2026-08-05T10:00:00Z")
	_, ok := resolveTarget(nil, schedules, addr, now)
	assert.False(t, ok)
}

func TestResolveTargetOverrideDominatesSchedule(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	schedules := []model.Schedule{
		{Days: model.DayMaskOf(0, 1, 2, 3, 4, 5, 6), Hour: 0, Minute: 0, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(20, "celsius")},
		}},
	}
	now := mustTime(t, "2026-08-05T10:00:00Z")
	overrides := []model.Override{
		{Start: now.Unix() - 10, End: now.Unix() + 10, Targets: []model.DeviceTarget{
			{Addr: addr, Value: model.FloatValue(18, "celsius")},
		}},
	}

	target, ok := resolveTarget(overrides, schedules, addr, now)
	assert.True(t, ok)
	assert.Equal(t, 18.0, target.Value.Float, "an active override must beat a matching schedule")
}

func TestResolveTargetOverrideStartInclusiveEndExclusive(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	now := mustTime(t, "2026-08-05T10:00:00Z")
	epoch := now.Unix()

	active := []model.Override{{Start: epoch, End: epoch + 100, Targets: []model.DeviceTarget{
		{Addr: addr, Value: model.FloatValue(1, "")},
	}}}
	_, ok := resolveTarget(active, nil, addr, now)
	assert.True(t, ok, "now == start must be active")

	expired := []model.Override{{Start: epoch - 100, End: epoch, Targets: []model.DeviceTarget{
		{Addr: addr, Value: model.FloatValue(1, "")},
	}}}
	_, ok = resolveTarget(expired, nil, addr, now)
	assert.False(t, ok, "now == end must not be active")
}

func TestResolveTargetLastMatchingOverrideWins(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	now := mustTime(t, "2026-08-05T10:00:00Z")
	epoch := now.Unix()

	overrides := []model.Override{
		{Start: epoch - 50, End: epoch + 50, Targets: []model.DeviceTarget{{Addr: addr, Value: model.FloatValue(18, "celsius")}}},
		{Start: epoch - 10, End: epoch + 10, Targets: []model.DeviceTarget{{Addr: addr, Value: model.FloatValue(22, "celsius")}}},
	}

	target, ok := resolveTarget(overrides, nil, addr, now)
	assert.True(t, ok)
	assert.Equal(t, 22.0, target.Value.Float)
}

func TestResolveTargetWildcardTypeMatchesAnyReading(t *testing.T) {
	wildcard := model.Addr{Home: "h1", Zone: "z1", Device: "t1"}
	source := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingHumidity}
	now := mustTime(t, "2026-08-05T10:00:00Z")

	overrides := []model.Override{{Start: now.Unix() - 1, End: now.Unix() + 1, Targets: []model.DeviceTarget{
		{Addr: wildcard, Value: model.FloatValue(50, "percent")},
	}}}

	target, ok := resolveTarget(overrides, nil, source, now)
	assert.True(t, ok)
	assert.Equal(t, 50.0, target.Value.Float)
}

func TestResolveTargetNoMatchReturnsFalse(t *testing.T) {
	addr := model.Addr{Home: "h1", Zone: "z1", Device: "t1", Type: model.ReadingTemperature}
	other := model.Addr{Home: "h1", Zone: "z1", Device: "other", Type: model.ReadingTemperature}
	now := mustTime(t, "2026-08-05T10:00:00Z")

	schedules := []model.Schedule{{Days: model.DayMaskOf(0, 1, 2, 3, 4, 5, 6), Hour: 0, Minute: 0, Targets: []model.DeviceTarget{
		{Addr: other, Value: model.FloatValue(20, "celsius")},
	}}}

	_, ok := resolveTarget(nil, schedules, addr, now)
	assert.False(t, ok)
}
