// Package metrics wraps the Datadog statsd client used to report zone and
// device activity. Unlike the flasher/config pattern it's adapted from, it
// carries no global state — a *Client is constructed once in main and
// passed to the collaborators that need it.
package metrics

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

// Client emits gauges. A nil *Client is safe to call methods on — every
// method no-ops — so collaborators can hold one unconditionally.
type Client struct {
	dogstatsd *statsd.Client
}

// New dials the Datadog agent at addr. A dial failure is logged and
// degrades to a no-op client rather than failing boot — metrics are
// observability, not a load-bearing dependency.
func New(addr, namespace string, tags []string) *Client {
	if addr == "" {
		return &Client{}
	}
	c, err := statsd.New(addr)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("failed to create dogstatsd client")
		return &Client{}
	}
	c.Namespace = namespace
	c.Tags = tags
	log.Info().Str("addr", addr).Str("namespace", namespace).Strs("tags", tags).Msg("datadog metrics initialized")
	return &Client{dogstatsd: c}
}

func (c *Client) Gauge(name string, value float64, tags ...string) {
	if c == nil || c.dogstatsd == nil {
		return
	}
	if err := c.dogstatsd.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge metric")
	}
}

func (c *Client) Incr(name string, tags ...string) {
	if c == nil || c.dogstatsd == nil {
		return
	}
	if err := c.dogstatsd.Incr(name, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit counter metric")
	}
}
