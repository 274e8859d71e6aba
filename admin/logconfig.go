package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/provisor/scimhub/logging"
)

// sseKeepaliveInterval is how often a comment line is written to an idle
// SSE tail so intermediaries keep the connection open.
const sseKeepaliveInterval = 30 * time.Second

func (a *API) handleGetLogConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.logger.Config().Snapshot())
}

// logConfigUpdate is the PUT /admin/log-config body. Every field is
// optional; only the present ones are applied.
type logConfigUpdate struct {
	GlobalLevel     *string           `json:"globalLevel"`
	Mode            *string           `json:"mode"`
	MaxPayloadBytes *int              `json:"maxPayloadBytes"`
	Categories      map[string]string `json:"categories"`
	Endpoints       map[string]string `json:"endpoints"`
}

func (a *API) handleUpdateLogConfig(w http.ResponseWriter, r *http.Request) {
	var req logConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	// Validate everything before applying anything, so a bad request
	// never leaves the configuration half-updated.
	var globalLevel logging.Level
	if req.GlobalLevel != nil {
		lvl, err := logging.ParseLevel(*req.GlobalLevel)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		globalLevel = lvl
	}
	var mode logging.Mode
	if req.Mode != nil {
		switch logging.Mode(*req.Mode) {
		case logging.ModePretty, logging.ModeJSON:
			mode = logging.Mode(*req.Mode)
		default:
			writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown log mode %q", *req.Mode))
			return
		}
	}
	catLevels := make(map[logging.Category]logging.Level, len(req.Categories))
	for rawCat, rawLvl := range req.Categories {
		cat, err := logging.ParseCategory(rawCat)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		lvl, err := logging.ParseLevel(rawLvl)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		catLevels[cat] = lvl
	}
	epLevels := make(map[string]logging.Level, len(req.Endpoints))
	for id, rawLvl := range req.Endpoints {
		lvl, err := logging.ParseLevel(rawLvl)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		epLevels[id] = lvl
	}

	cfg := a.logger.Config()
	if req.GlobalLevel != nil {
		cfg.SetGlobal(globalLevel)
	}
	if req.Mode != nil {
		cfg.SetMode(mode)
	}
	if req.MaxPayloadBytes != nil {
		cfg.SetMaxPayloadBytes(*req.MaxPayloadBytes)
	}
	for cat, lvl := range catLevels {
		cfg.SetCategory(cat, lvl)
	}
	for id, lvl := range epLevels {
		cfg.SetEndpoint(id, lvl)
	}

	a.logger.Info(r.Context(), logging.CategoryGeneral, "log configuration updated", nil)
	writeJSON(w, http.StatusOK, cfg.Snapshot())
}

func (a *API) handleSetGlobalLevel(w http.ResponseWriter, r *http.Request) {
	lvl, err := logging.ParseLevel(r.PathValue("level"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Config().SetGlobal(lvl)
	writeJSON(w, http.StatusOK, a.logger.Config().Snapshot())
}

func (a *API) handleSetCategoryLevel(w http.ResponseWriter, r *http.Request) {
	cat, err := logging.ParseCategory(r.PathValue("category"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	lvl, err := logging.ParseLevel(r.PathValue("level"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Config().SetCategory(cat, lvl)
	writeJSON(w, http.StatusOK, a.logger.Config().Snapshot())
}

func (a *API) handleSetEndpointLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	lvl, err := logging.ParseLevel(req.Level)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Config().SetEndpoint(r.PathValue("id"), lvl)
	writeJSON(w, http.StatusOK, a.logger.Config().Snapshot())
}

func (a *API) handleClearEndpointLevel(w http.ResponseWriter, r *http.Request) {
	a.logger.Config().ClearEndpoint(r.PathValue("id"))
	writeJSON(w, http.StatusOK, a.logger.Config().Snapshot())
}

// entryFilterFromQuery builds an EntryFilter from the shared query
// parameters of the recent, stream, and download handlers.
func entryFilterFromQuery(r *http.Request) (logging.EntryFilter, error) {
	var f logging.EntryFilter
	q := r.URL.Query()
	if raw := q.Get("level"); raw != "" {
		lvl, err := logging.ParseLevel(raw)
		if err != nil {
			return f, err
		}
		f.MinLevel = lvl
	}
	if raw := q.Get("category"); raw != "" {
		cat, err := logging.ParseCategory(raw)
		if err != nil {
			return f, err
		}
		f.Category = cat
	}
	f.RequestID = q.Get("requestId")
	f.EndpointID = q.Get("endpointId")
	return f, nil
}

func (a *API) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries := a.logger.Ring().Query(filter, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"totalResults": len(entries),
	})
}

func (a *API) handleClearRecentLogs(w http.ResponseWriter, r *http.Request) {
	a.logger.Ring().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogStream(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, ok := a.logger.Broker().Subscribe(filter)
	if !ok {
		writeErr(w, http.StatusServiceUnavailable, "too many active log streams")
		return
	}
	defer a.logger.Broker().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case entry, open := <-sub.Entries:
			if !open {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (a *API) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "ndjson"
	}

	entries := a.logger.Ring().Query(filter, 0)
	stamp := time.Now().UTC().Format("20060102-150405")

	switch format {
	case "ndjson":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=logs-%s.ndjson", stamp))
		enc := json.NewEncoder(w)
		for _, e := range entries {
			_ = enc.Encode(e)
		}
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=logs-%s.json", stamp))
		writeJSON(w, http.StatusOK, entries)
	default:
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown download format %q", format))
	}
}
