package handlers

import (
	"net/http"

	"streamgate/work/gateway"

	"github.com/gorilla/mux"
)

// Handlers adapts the gateway's operations onto mux routes. Event id
// validation happens here, before any session or upstream work.
type Handlers struct {
	Gateway *gateway.Gateway
}

// New creates the route adapter set for a gateway.
func New(g *gateway.Gateway) *Handlers {
	return &Handlers{Gateway: g}
}

func eventID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["eventId"]
	if !gateway.ValidEventID(id) {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// HandlePrepare serves GET /prepare/{eventId}.
func (h *Handlers) HandlePrepare(w http.ResponseWriter, r *http.Request) {
	if id, ok := eventID(w, r); ok {
		h.Gateway.Prepare(w, r, id)
	}
}

// HandleMetadata serves GET /api/live/{eventId}.
func (h *Handlers) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	if id, ok := eventID(w, r); ok {
		h.Gateway.Metadata(w, r, id)
	}
}

// HandlePlaylist serves GET /live/{eventId}/playlist.m3u8.
func (h *Handlers) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	if id, ok := eventID(w, r); ok {
		h.Gateway.Playlist(w, r, id)
	}
}

// HandleSegment serves GET /live/{eventId}/seg?url=...
func (h *Handlers) HandleSegment(w http.ResponseWriter, r *http.Request) {
	if id, ok := eventID(w, r); ok {
		h.Gateway.Segment(w, r, id)
	}
}

// HandleHealth serves GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.Gateway.Health(w, r)
}

// HandleDebug serves GET /debug/{eventId}.
func (h *Handlers) HandleDebug(w http.ResponseWriter, r *http.Request) {
	if id, ok := eventID(w, r); ok {
		h.Gateway.Debug(w, r, id)
	}
}
