package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oebus/zonefabric/internal/gpio"
	"github.com/oebus/zonefabric/internal/model"
)

type recordedValue struct {
	id        model.DeviceID
	readingTy model.ReadingType
	value     model.Value
	threshold *model.Value
}

type fakeZone struct {
	mu     sync.Mutex
	values []recordedValue
}

func (f *fakeZone) SetValue(id model.DeviceID, t model.ReadingType, value model.Value, threshold *model.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, recordedValue{id, t, value, threshold})
}

func (f *fakeZone) last(t model.ReadingType) (recordedValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.values) - 1; i >= 0; i-- {
		if f.values[i].readingTy == t {
			return f.values[i], true
		}
	}
	return recordedValue{}, false
}

type fakeGPIOBackend struct {
	mu     sync.Mutex
	levels map[int]bool
}

func (f *fakeGPIOBackend) Set(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levels == nil {
		f.levels = map[int]bool{}
	}
	f.levels[pin] = high
	return nil
}

func (f *fakeGPIOBackend) Level(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

func TestSwitchActuatorOnOffReportsSwitchState(t *testing.T) {
	backend := &fakeGPIOBackend{}
	zone := &fakeZone{}

	d, err := New(model.KindSwitch, "relay1", "4", Backends{GPIO: backend}, zone)
	require.NoError(t, err)
	sw := d.(interface{ SwitchState() bool })

	d.On()
	assert.True(t, sw.SwitchState())
	assert.True(t, backend.levels[4])

	d.Off()
	assert.False(t, sw.SwitchState())
	assert.False(t, backend.levels[4])
}

func TestSwitchActuatorInvertPolarity(t *testing.T) {
	backend := &fakeGPIOBackend{}
	zone := &fakeZone{}

	d, err := New(model.KindSwitch, "relay1", "4:invert", Backends{GPIO: backend}, zone)
	require.NoError(t, err)

	d.On()
	assert.False(t, backend.levels[4], "inverted polarity means on() drives the pin low")
}

func TestSwitchActuatorRejectsDisallowedPin(t *testing.T) {
	backend := &fakeGPIOBackend{}
	zone := &fakeZone{}

	_, err := New(model.KindSwitch, "relay1", "3", Backends{GPIO: backend}, zone)
	assert.Error(t, err)
}

func TestSwitchActuatorChangesRoundTrip(t *testing.T) {
	backend := &fakeGPIOBackend{}
	zone := &fakeZone{}
	d, err := New(model.KindSwitch, "relay1", "4", Backends{GPIO: backend}, zone)
	require.NoError(t, err)

	changes := []model.ChangeRule{{Target: model.Addr{Device: "t1", Type: model.ReadingTemperature}, Direction: model.Increase}}
	d.ApplyChanges(changes)
	assert.Equal(t, changes, d.Changes())
}

type fakeDHT struct {
	mu      sync.Mutex
	reading gpio.DHTReading
	errs    []error
	calls   int
}

func (f *fakeDHT) Read(pin int) (gpio.DHTReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return gpio.DHTReading{}, f.errs[i]
	}
	return f.reading, nil
}

func TestDHTSensorSamplePublishesDerivedHumidex(t *testing.T) {
	backend := &fakeDHT{reading: gpio.DHTReading{CelsiusTemp: 30, HumidityPct: 80}}
	zone := &fakeZone{}

	d, err := New(model.KindDHT22, "t1", "14", Backends{DHT: backend}, zone)
	require.NoError(t, err)

	sensor := d.(*dhtSensor)
	sensor.sample()

	temp, ok := zone.last(model.ReadingTemperature)
	require.True(t, ok)
	assert.Equal(t, 30.0, temp.value.Float)
	require.NotNil(t, temp.threshold)
	assert.Equal(t, 0.0, temp.threshold.Float)

	humidex, ok := zone.last(model.ReadingHumidex)
	require.True(t, ok)
	assert.Greater(t, humidex.value.Float, 30.0, "high humidity should raise the humidex above raw temperature")
}

func TestDHTSensorRetriesThenSkipsCycle(t *testing.T) {
	backend := &fakeDHT{errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}}
	zone := &fakeZone{}

	d, err := New(model.KindDHT11, "t1", "14", Backends{DHT: backend}, zone)
	require.NoError(t, err)
	sensor := d.(*dhtSensor)
	sensor.sample()

	_, ok := zone.last(model.ReadingTemperature)
	assert.False(t, ok, "a persistently failing sample must not publish")
	assert.Equal(t, 4, backend.calls, "3 retries means 4 total attempts")
}

func TestDHTSensorAppliesCalibrationOffset(t *testing.T) {
	backend := &fakeDHT{reading: gpio.DHTReading{CelsiusTemp: 20, HumidityPct: 40}}
	zone := &fakeZone{}

	d, err := New(model.KindDHT22, "t1", "14", Backends{DHT: backend}, zone)
	require.NoError(t, err)
	d.ApplyCalibrations([]model.Calibration{
		{ReadingType: model.ReadingTemperature, Offset: model.FloatValue(1.5, "celsius"), Threshold: model.FloatValue(0.3, "celsius")},
	})

	sensor := d.(*dhtSensor)
	sensor.sample()

	temp, ok := zone.last(model.ReadingTemperature)
	require.True(t, ok)
	assert.Equal(t, 21.5, temp.value.Float)
	assert.Equal(t, 0.3, temp.threshold.Float)
}

type fakeOneWireBackend struct {
	temp float64
	err  error
}

func (f *fakeOneWireBackend) ReadCelsius(address string) (float64, error) {
	return f.temp, f.err
}

func TestDS18x20SensorAppliesCalibratedValue(t *testing.T) {
	backend := &fakeOneWireBackend{temp: 18.0}
	zone := &fakeZone{}

	d, err := New(model.KindDS18x20, "t2", "4:28-000001", Backends{OneWire: backend}, zone)
	require.NoError(t, err)
	d.ApplyCalibrations([]model.Calibration{
		{ReadingType: model.ReadingTemperature, Offset: model.FloatValue(-0.8, "celsius"), Threshold: model.FloatValue(0.1, "celsius")},
	})

	sensor := d.(*ds18x20Sensor)
	sensor.sample()

	temp, ok := zone.last(model.ReadingTemperature)
	require.True(t, ok)
	assert.Equal(t, 17.2, temp.value.Float, "the calibrated value must actually be published, not just computed")
}

func TestDS18x20SensorDefaultThreshold(t *testing.T) {
	backend := &fakeOneWireBackend{temp: 18.0}
	zone := &fakeZone{}

	d, err := New(model.KindDS18x20, "t2", "4:28-000001", Backends{OneWire: backend}, zone)
	require.NoError(t, err)
	sensor := d.(*ds18x20Sensor)
	sensor.sample()

	temp, ok := zone.last(model.ReadingTemperature)
	require.True(t, ok)
	assert.Equal(t, 0.2, temp.threshold.Float)
}

func TestDS18x20AddressRequiresRomSuffix(t *testing.T) {
	_, err := New(model.KindDS18x20, "t2", "4", Backends{}, &fakeZone{})
	assert.Error(t, err)
}

func TestSensorSetSamplingIntervalJoinsOldWorker(t *testing.T) {
	backend := &fakeDHT{reading: gpio.DHTReading{CelsiusTemp: 20, HumidityPct: 50}}
	zone := &fakeZone{}

	d, err := New(model.KindDHT22, "t1", "14", Backends{DHT: backend}, zone)
	require.NoError(t, err)

	d.SetSamplingInterval(5)
	time.Sleep(20 * time.Millisecond)
	d.SetSamplingInterval(0)

	_, hasTemp := zone.last(model.ReadingTemperature)
	assert.True(t, hasTemp, "a short interval should have produced at least one sample before being stopped")
	d.Close()
}
