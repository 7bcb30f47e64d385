package outpost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"outpost/internal/store"
)

const (
	headerOutpost = "X-Outpost"
	eventsPath    = "/_outpost/events"
)

// Hop-by-hop headers are never forwarded or queued.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Handler serves the application: every request is rewritten onto
// Options.Origin and sent through Intercept. Sync summaries are streamed to
// subscribers at /_outpost/events.
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(e.handle)
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == eventsPath && r.Method == http.MethodGet {
		e.serveEvents(w, r)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, e.opts.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = cloneHeader(r.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	res, err := e.Intercept(r.Context(), out)
	switch {
	case errors.Is(err, ErrNotSaved):
		setOutpostHeaders(w.Header(), "not-saved")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not_saved", "message": err.Error()})
	case err != nil:
		e.logger.Debug("intercept rejected request", zap.String("url", r.URL.RequestURI()), zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
	case res.Queued():
		setOutpostHeaders(w.Header(), string(SourceQueued))
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": res.MutationID})
	default:
		writeResponse(w, res.Response, string(res.Source))
	}
}

func writeResponse(w http.ResponseWriter, resp *Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerOutpost) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutpostHeaders(w.Header(), source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutpostHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerOutpost, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, headerOutpost)
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serveEvents streams sync summaries as server-sent events until the client
// goes away. The client query parameter labels the stream.
func (e *Engine) serveEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := r.URL.Query().Get("client")
	if id == "" {
		id = uuid.NewString()
	}
	// One subscription per connection, so two streams opened with the same
	// client id each get every summary.
	sub := id + "#" + uuid.NewString()
	ch := e.opts.Hub.Subscribe(sub)
	defer e.opts.Hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-e.stopCh:
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(s)
			fmt.Fprintf(w, "event: sync\ndata: %s\n\n", b)
			fl.Flush()
		}
	}
}

type queueItem struct {
	ID         uint64      `json:"id"`
	Key        string      `json:"key"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

func toQueueItem(m store.Mutation) queueItem {
	return queueItem{ID: m.ID, Key: m.Key, Method: m.Method, URL: m.URL, Header: m.Header, Body: m.Body, EnqueuedAt: m.EnqueuedAt}
}

// AdminHandler serves the operator API. flag and gatherer are optional.
func (e *Engine) AdminHandler(flag *Flag, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+eventsPath, e.serveEvents)

	mux.HandleFunc("GET /_outpost/queue", func(w http.ResponseWriter, r *http.Request) {
		pending, err := e.Pending(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		items := make([]queueItem, 0, len(pending))
		for _, m := range pending {
			items = append(items, toQueueItem(m))
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("DELETE /_outpost/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := store.ParseID(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ok, err := e.Purge(r.Context(), id)
		switch {
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		case !ok:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not queued"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("POST /_outpost/sync", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.OnReconnect(context.WithoutCancel(r.Context())))
	})

	mux.HandleFunc("POST /_outpost/connectivity", func(w http.ResponseWriter, r *http.Request) {
		if flag == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "connectivity is not settable"})
			return
		}
		online, err := strconv.ParseBool(r.URL.Query().Get("online"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "online must be a boolean"})
			return
		}
		reconnected := flag.Set(online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": online, "reconnected": reconnected})
	})

	mux.HandleFunc("GET /_outpost/lifecycle", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.lifecycle.Status())
	})

	mux.HandleFunc("POST /_outpost/lifecycle/flush", func(w http.ResponseWriter, r *http.Request) {
		err := e.lifecycle.FlushNow(context.WithoutCancel(r.Context()))
		switch {
		case errors.Is(err, ErrNoCandidate):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, e.lifecycle.Status())
		}
	})

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
