package offcache

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"offcache/internal/cachestore"
)

const headerOutcome = "X-Offcache"

// Interceptor is the HTTP entry point. Requests go through the engine once
// the controller has claimed clients; everything else is passed to the
// origin untouched.
type Interceptor struct {
	engine      *Engine
	controller  *Controller
	fetcher     Fetcher
	controlPath string
	stats       *statsCollector
	logger      *slog.Logger
}

func NewInterceptor(engine *Engine, controller *Controller, fetcher Fetcher, controlPath string, stats *statsCollector, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		engine:      engine,
		controller:  controller,
		fetcher:     fetcher,
		controlPath: controlPath,
		stats:       stats,
		logger:      logger,
	}
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == i.controlPath {
		i.serveMessage(w, r)
		return
	}

	if !i.controller.Claimed() || !i.engine.Handles(r) {
		i.passThrough(w, r)
		return
	}

	res, err := i.engine.Handle(r.Context(), r)
	if errors.Is(err, ErrNotHandled) {
		i.passThrough(w, r)
		return
	}
	if err != nil {
		i.logger.Error("handle request", "path", r.URL.Path, "error", err)
		res = offlineResponse()
	}
	i.write(w, res.Entry, res.Outcome)
}

func (i *Interceptor) passThrough(w http.ResponseWriter, r *http.Request) {
	ent, err := i.fetcher.Fetch(r.Context(), r, FetchDefault)
	if err != nil {
		i.logger.Info("pass through failed", "method", r.Method, "path", r.URL.Path, "error", err)
		res := badGatewayResponse()
		i.write(w, res.Entry, res.Outcome)
		return
	}
	i.write(w, ent, OutcomeBypass)
}

func (i *Interceptor) write(w http.ResponseWriter, ent cachestore.Entry, outcome Outcome) {
	writeEntry(w, ent, outcome)
	if i.stats != nil {
		i.stats.Observe(outcome, len(ent.Body))
	}
}

type message struct {
	Type Command `json:"type"`
}

type messageReply struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (i *Interceptor) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, messageReply{State: i.controller.State().String(), Error: "method not allowed"})
		return
	}

	var msg message
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, messageReply{State: i.controller.State().String(), Error: "invalid message"})
		return
	}
	if err := i.controller.Dispatch(msg.Type); err != nil {
		writeJSON(w, http.StatusBadRequest, messageReply{State: i.controller.State().String(), Error: err.Error()})
		return
	}
	i.logger.Info("control message", "type", string(msg.Type))
	writeJSON(w, http.StatusAccepted, messageReply{State: i.controller.State().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, outcome Outcome) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set(headerOutcome, string(outcome))
	}
	// Custom headers are hidden from JS in a CORS context unless exposed.
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
