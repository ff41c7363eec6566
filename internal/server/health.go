package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see proxy.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

type healthResponse struct {
	Status   string `json:"status"`
	Models   int    `json:"models"`
	APIKeys  int    `json:"api_keys"`
	Upstream string `json:"upstream,omitempty"`
}

// handleHealth reports the gateway's view of its own state: catalog size,
// active key count, and (when configured) reachability of the primary
// inference backend. The gateway stays "ok" while it can serve requests;
// an unreachable backend degrades the status without failing the probe.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Registry != nil {
		resp.Models = s.deps.Registry.Count()
	}
	if s.deps.Auth != nil {
		resp.APIKeys = s.deps.Auth.KeyCount()
	}
	if s.deps.Health != nil && s.deps.UpstreamURL != "" {
		if err := s.deps.Health.CheckHealth(r.Context(), s.deps.UpstreamURL); err != nil {
			resp.Upstream = "unreachable"
			resp.Status = "degraded"
		} else {
			resp.Upstream = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealthz is the bare liveness probe.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
