package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"webcontent/reputation-service/internal/httputil"
)

var startTime = time.Now()

// handleAdminStats summarises the registered metrics as JSON.
func handleAdminStats(w http.ResponseWriter, r *http.Request) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		httputil.WriteError(w, r, http.StatusInternalServerError, "metrics_error")
		return
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	label := func(m *dto.Metric, name string) string {
		for _, l := range m.GetLabel() {
			if l.GetName() == name {
				return l.GetValue()
			}
		}
		return ""
	}

	stats := map[string]map[string]float64{
		"transitions":  {},
		"status":       {},
		"rate_limited": {},
		"taxii":        {},
		"system":       {},
	}

	if mf := findMF("webcontent_transitions_total"); mf != nil {
		for _, m := range mf.Metric {
			stats["transitions"][label(m, "op")+"_"+label(m, "result")] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("webcontent_status_lookups_total"); mf != nil {
		for _, m := range mf.Metric {
			stats["status"][label(m, "status")] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("webcontent_rate_limit_hits_total"); mf != nil {
		for _, m := range mf.Metric {
			stats["rate_limited"][label(m, "endpoint")] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("webcontent_taxii_imported_total"); mf != nil {
		for _, m := range mf.Metric {
			stats["taxii"][label(m, "result")] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].GetGauge().GetValue()
	}
	stats["system"]["uptime_sec"] = time.Since(startTime).Seconds()

	httputil.WriteJSON(w, http.StatusOK, stats)
}
