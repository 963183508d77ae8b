package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	Cores      int    `json:"cores"`
	Extensions int    `json:"extensions"`
	Models     int    `json:"models"`
}

// handleHealthz reports liveness. A process with no registered cores cannot
// run anything and reports "degraded".
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	regs := s.engine.Registries()
	resp := healthResponse{
		Status:     "ok",
		Cores:      regs.Cores.Len(),
		Extensions: regs.Extensions.Len(),
		Models:     s.engine.Catalog().Len(),
	}
	status := http.StatusOK
	if resp.Cores == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
