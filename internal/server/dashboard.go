package server

import (
	"net/http"

	"github.com/basket/clawdeck/internal/cache"
)

// cachedView serves one cache kind with stale-while-revalidate semantics:
// the handler returns whatever the cache holds right now; a stale read
// already triggered the background refresh inside Get.
func (s *Server) cachedView(kind cache.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tenantID := s.tenantID(w, r)
		if tenantID == "" {
			return
		}
		if s.cfg.Cache == nil {
			http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
			return
		}
		entry := s.cfg.Cache.Get(tenantID, kind)
		writeJSON(w, http.StatusOK, entry)
	}
}
