// Package shutdown implements spec.md §5's controller teardown:
// "Destroying the controller disconnects and stops the transport."
// Adapted from the teacher's system/shutdown, which instead drives a
// main power relay pin directly — this controller has no single power
// relay of its own, so teardown is entirely about releasing the shared
// collaborators (transport, owned zones) cleanly.
package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/oebus/zonefabric/internal/controller"
	"github.com/oebus/zonefabric/internal/transport"
)

// Shutdown tears down the controller (destroying every owned zone and
// its devices) and disconnects the transport, then exits. Mirrors the
// teacher's Shutdown/ShutdownWithError split so main's signal handler
// and fatal-error path share one exit sequence.
func Shutdown(c *controller.Controller, t transport.Transport) {
	c.Close()
	t.Disconnect()
	log.Info().Msg("controller stopped")
	os.Exit(0)
}

func ShutdownWithError(c *controller.Controller, t transport.Transport, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	c.Close()
	t.Disconnect()
	os.Exit(1)
}
