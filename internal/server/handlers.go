package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/protocol"
)

// RegisterRoutes wires the pull endpoints and the push subscription.
func RegisterRoutes(mux *http.ServeMux, sim *Simulator, gw *Gateway) {
	mux.HandleFunc("GET /api/round/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sim.Snapshot())
	})
	mux.HandleFunc("GET /api/time", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, protocol.TimeResponse{ServerNow: protocol.ToMillis(sim.Now())})
	})
	mux.HandleFunc("/ws", gw.HandleSubscribe)
	log.Info().Msg("round routes registered")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
