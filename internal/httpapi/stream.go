package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medguard.org/internal/policy"
)

// StreamAlerts relays compliance alerts as Server-Sent Events until the
// client disconnects.
func (a *API) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView); !ok {
		return
	}
	if a.alerts == nil {
		writeError(w, r, http.StatusServiceUnavailable, "alert stream disabled")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.alerts.Subscribe(r.Context())
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		a.log.WithError(err).Warn("alert stream cannot flush")
		return
	}

	keepAlive := time.NewTicker(a.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case alert, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", alert.Kind, payload); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
