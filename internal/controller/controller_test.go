package controller

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oebus/zonefabric/internal/device"
	"github.com/oebus/zonefabric/internal/model"
	"github.com/oebus/zonefabric/internal/transport"
	"github.com/oebus/zonefabric/internal/zone"
)

type fakeTransport struct {
	mu   sync.Mutex
	subs map[string]transport.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: map[string]transport.Handler{}}
}

func (f *fakeTransport) Connect(_ context.Context) error { return nil }

func (f *fakeTransport) Subscribe(topic string, _ byte, handler transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeTransport) Publish(string, byte, bool, []byte) error { return nil }
func (f *fakeTransport) Disconnect()                               {}
func (f *fakeTransport) Fatal() <-chan error                       { return nil }

func (f *fakeTransport) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var matched []transport.Handler
	for t, h := range f.subs {
		if topicMatches(t, topic) {
			matched = append(matched, h)
		}
	}
	f.mu.Unlock()
	for _, h := range matched {
		h(topic, payload)
	}
}

// topicMatches implements the small subset of MQTT wildcard matching the
// tests need: '+' matches exactly one segment.
func topicMatches(pattern, topic string) bool {
	p := splitTopic(pattern)
	t := splitTopic(topic)
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

func splitTopic(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func newTestController(t *testing.T, mac string) (*Controller, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(mac, ft, func(home model.HomeID, id model.ZoneID) *zone.Zone {
		return zone.New(home, id, noopPublisher{}, device.Backends{}, nil, nil, nil)
	}, nil)
	require.NoError(t, c.Subscribe())
	return c, ft
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, byte, bool, []byte) error { return nil }

func TestOwnershipAcquisitionSubscribesToDeviceConfig(t *testing.T) {
	c, ft := newTestController(t, "AA:BB:CC:DD:EE:FF")

	ft.deliver("homes/h1/zones/z1/config", []byte(`{"controller":"AA:BB:CC:DD:EE:FF"}`))

	_, owns := c.Zone("h1", "z1")
	assert.True(t, owns)
	assert.True(t, ft.subscribed("homes/h1/zones/z1/devices/+/config"))
}

func TestOwnershipIsCaseInsensitive(t *testing.T) {
	c, _ := newTestController(t, "aa:bb:cc:dd:ee:ff")

	deliverZoneConfig(c, "h1", "z1", `{"controller":"AA:BB:CC:DD:EE:FF"}`)

	_, owns := c.Zone("h1", "z1")
	assert.True(t, owns)
}

func TestNonOwnedZoneIsNotRegistered(t *testing.T) {
	c, ft := newTestController(t, "AA:BB:CC:DD:EE:FF")

	ft.deliver("homes/h1/zones/z1/config", []byte(`{"controller":"11:22:33:44:55:66"}`))

	_, owns := c.Zone("h1", "z1")
	assert.False(t, owns)
	assert.False(t, ft.subscribed("homes/h1/zones/z1/devices/+/config"))
}

func TestOwnershipLossUnsubscribesAndDestroysZone(t *testing.T) {
	c, ft := newTestController(t, "AA:BB:CC:DD:EE:FF")
	ft.deliver("homes/h1/zones/z1/config", []byte(`{"controller":"AA:BB:CC:DD:EE:FF"}`))
	require.Equal(t, 1, c.ZoneCount())

	ft.deliver("homes/h1/zones/z1/config", []byte(`{"controller":"11:22:33:44:55:66"}`))

	assert.Equal(t, 0, c.ZoneCount())
	assert.False(t, ft.subscribed("homes/h1/zones/z1/devices/+/config"))
}

func TestZoneConfigMissingControllerFieldRelinquishesOwnership(t *testing.T) {
	c, ft := newTestController(t, "AA:BB:CC:DD:EE:FF")
	ft.deliver("homes/h1/zones/z1/config", []byte(`{"controller":"AA:BB:CC:DD:EE:FF"}`))
	require.Equal(t, 1, c.ZoneCount())

	ft.deliver("homes/h1/zones/z1/config", []byte(`{"schedules":[]}`))

	_, owns := c.Zone("h1", "z1")
	assert.False(t, owns, "a config message without a matching controller field must relinquish ownership")
	assert.False(t, ft.subscribed("homes/h1/zones/z1/devices/+/config"))
}

func deliverZoneConfig(c *Controller, home, id, payload string) {
	topic := "homes/" + string(home) + "/zones/" + string(id) + "/config"
	c.handleZoneConfig(topic, []byte(payload))
}
