package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestOperationsTotalRegistered(t *testing.T) {
	OperationsTotal.WithLabelValues("GetArticle", "acme", "success").Inc()
	OperationsTotal.WithLabelValues("GetArticle", "acme", "success").Inc()

	v := gatherCounter(t, "erpconnector_operations_total", map[string]string{
		"operation": "GetArticle",
		"tenant":    "acme",
		"status":    "success",
	})
	if v < 2 {
		t.Errorf("erpconnector_operations_total = %v, want >= 2", v)
	}
}

func TestUnknownFilterCounter(t *testing.T) {
	UnknownFilters.WithLabelValues("article", "Colour").Inc()

	v := gatherCounter(t, "erpconnector_unknown_filter_total", map[string]string{
		"entity":   "article",
		"property": "Colour",
	})
	if v < 1 {
		t.Errorf("erpconnector_unknown_filter_total = %v, want >= 1", v)
	}
}
