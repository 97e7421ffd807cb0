package gateway

import "net/http"

func (gw *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": gw.scheduler.List()})
}

func (gw *Gateway) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	ids, err := gw.scheduler.TriggerNow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scanIds": ids})
}
