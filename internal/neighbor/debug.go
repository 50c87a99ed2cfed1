package neighbor

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autointersection/internal/httputil"
)

type debugView struct {
	Self      Self    `json:"self"`
	Policy    string  `json:"policy"`
	Decision  string  `json:"decision"`
	Neighbors []State `json:"neighbors"`
}

// AttachAdminRoutes exposes the neighbor table under /debug/neighbors.
func (l *List) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("neighbors", "neighbor table and current safety decision", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGet(w, r) {
			return
		}
		l.mu.RLock()
		self := l.self
		l.mu.RUnlock()

		view := debugView{
			Self:      self,
			Policy:    string(l.policy.Kind()),
			Decision:  l.IsSafeToCross().String(),
			Neighbors: l.Snapshot(),
		}
		httputil.WriteJSONOK(w, view)
	})
}
