// Package adminhttp is a read-only debug surface over the controller's
// in-memory zone state: which (home, zone) pairs are owned, and each
// zone's device count, schedules and overrides. It adapts the shape of the
// teacher's internal/api (REST over its SQLite-backed HVAC state) and
// shimmeringbee-controller's interface/http/v1 (gorilla/mux routing,
// mux.Vars path params) to the zone control engine's in-memory state —
// there is nothing to persist, since config-on-reboot persistence is an
// explicit Non-goal (spec.md §1).
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/oebus/zonefabric/internal/model"
)

// Registry is the view of the controller this server reads from.
type Registry interface {
	Zones() []ZoneView
	Zone(home model.HomeID, id model.ZoneID) (ZoneView, bool)
}

// ZoneView is the narrow view of a zone the admin surface renders —
// avoids importing internal/zone's concrete type so adminhttp can be
// tested against a fake without pulling in the whole device stack.
type ZoneView interface {
	Home() model.HomeID
	ID() model.ZoneID
	DeviceCount() int
	Schedules() []model.Schedule
	Overrides() []model.Override
}

type zoneResponse struct {
	Home      string            `json:"home"`
	Zone      string            `json:"zone"`
	Devices   int               `json:"device_count"`
	Schedules []scheduleResponse `json:"schedules"`
	Overrides []overrideResponse `json:"overrides"`
}

type scheduleResponse struct {
	Days   uint8 `json:"days"`
	Hour   int   `json:"hour"`
	Minute int   `json:"minute"`
}

type overrideResponse struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func toZoneResponse(z ZoneView) zoneResponse {
	resp := zoneResponse{
		Home:    string(z.Home()),
		Zone:    string(z.ID()),
		Devices: z.DeviceCount(),
	}
	for _, s := range z.Schedules() {
		resp.Schedules = append(resp.Schedules, scheduleResponse{Days: uint8(s.Days), Hour: s.Hour, Minute: s.Minute})
	}
	for _, o := range z.Overrides() {
		resp.Overrides = append(resp.Overrides, overrideResponse{Start: o.Start, End: o.End})
	}
	return resp
}

// Server is the admin HTTP surface. Construct with New, then call
// ListenAndServe in a goroutine from main — it never mutates controller
// state.
type Server struct {
	registry Registry
}

func New(registry Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/zones", s.listZones).Methods(http.MethodGet)
	r.HandleFunc("/zones/{home}/{zone}", s.getZone).Methods(http.MethodGet)
	return r
}

// ListenAndServe starts the admin HTTP server, blocking until it exits.
// Called from main in its own goroutine, the way the teacher's
// internal/api.Server.Start does.
func (s *Server) ListenAndServe(addr string) error {
	log.Info().Str("address", addr).Msg("starting admin HTTP server")
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	zones := s.registry.Zones()
	resp := make([]zoneResponse, 0, len(zones))
	for _, z := range zones {
		resp = append(resp, toZoneResponse(z))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	z, ok := s.registry.Zone(model.HomeID(params["home"]), model.ZoneID(params["zone"]))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, toZoneResponse(z))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode admin http response")
	}
}
