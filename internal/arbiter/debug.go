package arbiter

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autointersection/internal/httputil"
)

type debugView struct {
	Policy   string         `json:"policy"`
	Admitted []Vehicle      `json:"admitted"`
	Waiting  []Vehicle      `json:"waiting"`
	Latency  LatencySummary `json:"latency"`
}

// AttachAdminRoutes exposes /debug/arbiter.
func (a *Arbiter) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("arbiter", "admitted vehicles, queue and time-in-intersection stats", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGet(w, r) {
			return
		}
		view := debugView{
			Policy:   a.policy.Name(),
			Admitted: a.Admitted(),
			Waiting:  a.Waiting(),
			Latency:  a.Latency(),
		}
		httputil.WriteJSONOK(w, view)
	})
}
