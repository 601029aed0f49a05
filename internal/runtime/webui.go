package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsoncodec "github.com/drblury/mbta2mqtt/internal/runtime/jsoncodec"
)

const defaultWebUIPort = 8081

// registerStatusAPI mounts the read-only status endpoints when the web UI
// is enabled.
func (s *Service) registerStatusAPI() {
	if !s.Conf.WebUI.Enabled {
		return
	}

	port := s.Conf.WebUI.Port
	if port == 0 {
		port = defaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/entities", s.corsHandler(s.handleGetEntities))
	s.RegisterHTTPHandler(port, "/api/status", s.corsHandler(s.handleGetStatus))
}

// registerMetricsEndpoint mounts /metrics when metrics are enabled.
func (s *Service) registerMetricsEndpoint() {
	if !s.Conf.Metrics.Enabled || s.Conf.Metrics.Port <= 0 {
		return
	}
	handler := promhttp.Handler()
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.RegisterHTTPHandler(s.Conf.Metrics.Port, "/metrics", handler)
}

// Entities returns the discovery topics currently in the registry.
func (s *Service) Entities() EntityList {
	topics := s.registry.Snapshot()
	return EntityList{Count: len(topics), Topics: topics}
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.stateMu.RLock()
	state, started := s.state, s.startedAt
	s.stateMu.RUnlock()

	st := Status{
		State:    state,
		Stops:    append([]string{}, s.Conf.MBTA.Stops...),
		Entities: s.registry.Len(),
		Transport: TransportStatus{
			Name:              s.Conf.GetPubSubSystem(),
			SupportsRetained:  s.caps.SupportsRetained,
			SupportsWildcards: s.caps.SupportsWildcards,
			SupportsAck:       s.caps.SupportsAck,
			Recovery:          s.caps.SupportsRecovery(),
		},
		Metrics:  s.metrics.Snapshot(),
		Resource: s.resourceTracker.Snapshot(),
	}
	if !started.IsZero() {
		st.StartedAt = started
		st.UptimeSeconds = time.Since(started).Seconds()
	}
	return st
}

func (s *Service) handleGetEntities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.Entities())
}

func (s *Service) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.Status())
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// corsHandler sets CORS headers based on configuration, answers preflight
// requests and only lets GET through.
func (s *Service) corsHandler(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.WebUI.CORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			next(w, r)
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUI.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
