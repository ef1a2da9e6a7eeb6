// Package httpapi implements Component I: the read-only HTTP surface from
// spec §6. Every handler here is thin — it reads state from
// *orchestrator.Engine, reshapes it with internal/readapi, and writes JSON —
// grounded on the teacher's internal/api Handler() method and its
// mux.HandleFunc("METHOD /path", ...) routing idiom (Go 1.22+ ServeMux).
package httpapi

import (
	"encoding/json"
	"net/http"

	"contextengine/internal/exchange"
	"contextengine/internal/orchestrator"
	"contextengine/internal/readapi"
)

// Handler builds the full read-only route table for one engine.
func Handler(eng *orchestrator.Engine, exClient *exchange.Client) http.Handler {
	h := &handlers{eng: eng, exClient: exClient}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.HandleFunc("GET /context", h.handleContext)
	mux.HandleFunc("GET /backfill/status", h.handleBackfillStatus)
	mux.HandleFunc("GET /debug/vwap", h.handleDebugVWAP)
	mux.HandleFunc("GET /debug/poc", h.handleDebugPOC)
	mux.HandleFunc("GET /debug/trades", h.handleDebugTrades)
	mux.HandleFunc("GET /debug/exchangeinfo", h.handleDebugExchangeInfo)
	return mux
}

type handlers struct {
	eng      *orchestrator.Engine
	exClient *exchange.Client
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is a liveness probe: the process is up and serving requests.
// status is "ok" once backfill is complete/skipped/disabled (and before it
// has started), "degraded" while it is pending/running or after it ended in
// error or cancellation — it never fails outright just because backfill
// hasn't finished (spec §6 "/health").
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	bs := h.eng.BackfillStatus()
	status := "ok"
	if !bs.Terminal() && bs.State != "not_started" {
		status = "degraded"
	}
	writeJSON(w, map[string]interface{}{
		"status":            status,
		"backfill_status":   readapi.BackfillStatus(bs),
		"backfill_complete": bs.Terminal(),
	})
}

// handleReady reports whether the engine is ready to serve trustworthy
// context — trading_enabled captures "backfill complete/skipped/disabled"
// (spec §6 "/ready").
func (h *handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := h.eng.TradingEnabled()
	body := map[string]interface{}{
		"ready":             ready,
		"trading_enabled":   ready,
		"metrics_precision": h.eng.MetricsPrecision(),
	}
	if !ready {
		writeJSONStatus(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, body)
}

// handleContext serves the primary /context projection, honoring an
// optional vwap_mode=base|quote query param (default base, per spec §4.H).
func (h *handlers) handleContext(w http.ResponseWriter, r *http.Request) {
	mode := readapi.VWAPModeBase
	if q := r.URL.Query().Get("vwap_mode"); q == string(readapi.VWAPModeQuote) {
		mode = readapi.VWAPModeQuote
	}
	snap := h.eng.Snapshot()
	writeJSON(w, readapi.Context(snap, mode, h.eng.MetricsPrecision()))
}

func (h *handlers) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, readapi.BackfillStatus(h.eng.BackfillStatus()))
}

func (h *handlers) handleDebugVWAP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, readapi.DebugVWAP(h.eng.Snapshot()))
}

func (h *handlers) handleDebugPOC(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, readapi.DebugPOC(h.eng.Snapshot()))
}

func (h *handlers) handleDebugTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, readapi.DebugTrades(h.eng.Snapshot()))
}

// handleDebugExchangeInfo re-resolves symbol metadata live (bypassing the
// cached value the orchestrator resolved at startup) so an operator can
// confirm the exchange's current tick/step/min-qty filters (spec §6
// "/debug/exchangeinfo").
func (h *handlers) handleDebugExchangeInfo(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = h.eng.Symbol()
	}
	meta, err := h.exClient.FetchSymbolMetadata(r.Context(), symbol)
	if err != nil {
		writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{
		"symbol":    meta.Symbol,
		"tick_size": meta.TickSize,
		"step_size": meta.StepSize,
		"min_qty":   meta.MinQty,
		"source":    meta.Source,
	})
}
