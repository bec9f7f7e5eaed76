package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SyncPass("ok", time.Second)
	m.EventsMerged(1, 2, 3)
	m.TokenRefresh("ok")
	m.RemoteWrite("create", nil)
	m.RuleRun(1, 0, 0, nil)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SyncPass("ok", 200*time.Millisecond)
	m.SyncPass("error", time.Second)
	m.SyncPass("ok", time.Second)
	if got := testutil.ToFloat64(m.syncPasses.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok passes = %v, want 2", got)
	}

	m.EventsMerged(3, 1, 0)
	if got := testutil.ToFloat64(m.eventsMerged.WithLabelValues("insert")); got != 3 {
		t.Errorf("inserted = %v, want 3", got)
	}

	m.RemoteWrite("delete", errors.New("boom"))
	if got := testutil.ToFloat64(m.remoteWrites.WithLabelValues("delete", "error")); got != 1 {
		t.Errorf("failed deletes = %v, want 1", got)
	}

	m.RuleRun(2, 0, 1, nil)
	if got := testutil.ToFloat64(m.eventsCopied.WithLabelValues("delete")); got != 1 {
		t.Errorf("copied deletes = %v, want 1", got)
	}
}
