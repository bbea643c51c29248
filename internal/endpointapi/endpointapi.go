// Package endpointapi serves the internal HTTP surface the sibling
// push-reception endpoint service calls into this node (§6): `PUT
// /push/{uaid}` enqueues a direct Notification via the Registry, `PUT
// /notif/{uaid}` enqueues a CheckStorage signal. It also serves the
// small operational endpoints (§6 "Operational endpoints"). Grounded
// on the teacher's internal/single/core/handlers_http.go (handler
// registration/response shape, CORS-on-GET pattern) adapted from
// server-health reporting to this spec's sibling-service contract.
package endpointapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/registry"
)

// buildVersion is populated at build time in a full deployment (e.g.
// via -ldflags); left as a constant default here since the build
// pipeline is out of this core's scope (§1).
const buildVersion = "dev"

// Server serves the internal endpoint-facing HTTP API.
type Server struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

func New(reg *registry.Registry, logger zerolog.Logger) *Server {
	return &Server{registry: reg, logger: logger}
}

// Handler returns the mux for this surface, suitable for its own
// listener (§1 "[ADD] Binary shape": :8081).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/push/", s.handlePush)
	mux.HandleFunc("/notif/", s.handleNotif)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/__lbheartbeat__", s.handleStatus)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/__error__", s.handleErrorCheck)
	return mux
}

// handlePush implements `PUT /push/{uaid}` (§6): a direct Notification
// body, routed via the Registry to the owning connection if it is
// local to this node.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uaidStr := strings.TrimPrefix(r.URL.Path, "/push/")
	uaid, err := ids.ParseUAID(uaidStr)
	if err != nil {
		http.Error(w, "invalid uaid", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var wire wireNotification
	if err := json.Unmarshal(body, &wire); err != nil {
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}

	if !s.registry.Notify(uaid, wire.toNotification()) {
		http.Error(w, "Client not available", http.StatusNotFound)
		return
	}
	monitoring.NotificationsDelivered.WithLabelValues("routed").Inc()
	w.WriteHeader(http.StatusOK)
}

// handleNotif implements `PUT /notif/{uaid}` (§6): no body, a bare
// CheckStorage hint.
func (s *Server) handleNotif(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uaidStr := strings.TrimPrefix(r.URL.Path, "/notif/")
	uaid, err := ids.ParseUAID(uaidStr)
	if err != nil {
		http.Error(w, "invalid uaid", http.StatusBadRequest)
		return
	}
	if !s.registry.CheckStorage(uaid) {
		http.Error(w, "Client not available", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version": buildVersion,
		"source":  "github.com/pushgate/connd",
	})
}

// handleErrorCheck is the intentional-error observability hook (§6):
// it logs at error level and returns 418 so log pipelines and alert
// rules can be exercised without waiting for a real failure.
func (s *Server) handleErrorCheck(w http.ResponseWriter, r *http.Request) {
	s.logger.Error().Msg("log check: intentional test error")
	monitoring.RecordError("log_check", monitoring.SeverityWarning)
	w.WriteHeader(http.StatusTeapot)
}

// wireNotification is the JSON body shape the sibling endpoint service
// posts to /push/{uaid}; decoded into the core's Notification type.
type wireNotification struct {
	ChannelID        string            `json:"channel_id"`
	Version          string            `json:"version"`
	TTL              int64             `json:"ttl"`
	Topic            string            `json:"topic,omitempty"`
	Data             []byte            `json:"data,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	SortkeyTimestamp *int64            `json:"sortkey_timestamp,omitempty"`
}

func (w wireNotification) toNotification() notification.Notification {
	chid, _ := ids.ParseChannelIDStrict(w.ChannelID)
	n := notification.Notification{
		ChannelID: chid,
		Version:   w.Version,
		TTL:       w.TTL,
		Timestamp: time.Now().Unix(),
		Topic:     w.Topic,
		Data:      w.Data,
		Headers:   w.Headers,
	}
	if w.SortkeyTimestamp != nil {
		n.SortkeyTimestamp = *w.SortkeyTimestamp
		n.HasSortkeyTimestamp = true
	}
	return n
}
