package balancer

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServerStatus is one row of the /servers report.
type ServerStatus struct {
	Address  string `json:"address"`
	Failures int    `json:"failures"`
	Status   string `json:"status"`
}

// Routes configures and returns the balancer's HTTP routes.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/link", s.LinkHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/servers", s.ServersHandler)
	return mux
}

// HealthHandler reports that the balancer process is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "GoChat balancer is running!")
}

// ServersHandler lists registered servers with their failure counts.
func (s *Service) ServersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := s.registry.Records()
	statuses := make([]ServerStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, ServerStatus{
			Address:  rec.Address,
			Failures: rec.Failures,
			Status:   rec.Status.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.log.Error().Err(err).Msg("writing server status")
	}
}
