package daemon

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autointersection/internal/httputil"
)

// AttachAdminRoutes exposes the daemon state under /debug/daemon.
func (d *Daemon) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("daemon", "client state machine", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGet(w, r) {
			return
		}
		httputil.WriteJSONOK(w, d.Status())
	})
}
