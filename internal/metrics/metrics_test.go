package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if want != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordGatewayOp_CountsAndObserves は操作カウンタとレイテンシが記録されることを検証する。
func TestRecordGatewayOp_CountsAndObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGatewayOp("tasks", "create", "success", 10*time.Millisecond)
	c.RecordGatewayOp("tasks", "create", "success", 20*time.Millisecond)
	c.RecordGatewayOp("tasks", "create", "permission", 5*time.Millisecond)

	ok := findMetric(t, reg, "tasksync_gateway_ops_total", map[string]string{"collection": "tasks", "op": "create", "result": "success"})
	if v := ok.GetCounter().GetValue(); v != 2 {
		t.Errorf("success count = %v, want 2", v)
	}
	denied := findMetric(t, reg, "tasksync_gateway_ops_total", map[string]string{"result": "permission"})
	if v := denied.GetCounter().GetValue(); v != 1 {
		t.Errorf("permission count = %v, want 1", v)
	}
	latency := findMetric(t, reg, "tasksync_gateway_latency_seconds", map[string]string{"collection": "tasks", "op": "create"})
	if n := latency.GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("latency samples = %d, want 3", n)
	}
}

// TestRecordSnapshot_AppliedAndDiscarded はスナップショットの適用・破棄が記録されることを検証する。
func TestRecordSnapshot_AppliedAndDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSnapshotApplied("projects", 3)
	c.RecordSnapshotApplied("projects", 5)
	c.RecordSnapshotDiscarded("projects", "stale_generation")

	applied := findMetric(t, reg, "tasksync_snapshots_applied_total", map[string]string{"collection": "projects"})
	if v := applied.GetCounter().GetValue(); v != 2 {
		t.Errorf("applied = %v, want 2", v)
	}
	size := findMetric(t, reg, "tasksync_collection_size", map[string]string{"collection": "projects"})
	if v := size.GetGauge().GetValue(); v != 5 {
		t.Errorf("size = %v, want 5", v)
	}
	discarded := findMetric(t, reg, "tasksync_snapshots_discarded_total", map[string]string{"reason": "stale_generation"})
	if v := discarded.GetCounter().GetValue(); v != 1 {
		t.Errorf("discarded = %v, want 1", v)
	}
}

// TestSubscriptions_Gauge は購読数ゲージが開始・終了で増減することを検証する。
func TestSubscriptions_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SubscriptionOpened("tasks")
	c.SubscriptionOpened("tasks")
	c.SubscriptionClosed("tasks")

	g := findMetric(t, reg, "tasksync_active_subscriptions", map[string]string{"collection": "tasks"})
	if v := g.GetGauge().GetValue(); v != 1 {
		t.Errorf("active subscriptions = %v, want 1", v)
	}
}

// TestRecordAuthEvent_IncrementsCounter は認証イベントが記録されることを検証する。
func TestRecordAuthEvent_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthEvent("sign_in", "auth")

	m := findMetric(t, reg, "tasksync_auth_events_total", map[string]string{"event": "sign_in", "result": "auth"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("auth events = %v, want 1", v)
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがインターフェースを満たすことを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
}

// TestOrNop_NilReturnsNop はnilの場合にNopが返ることを検証する。
func TestOrNop_NilReturnsNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	c := NewCollector(prometheus.NewRegistry())
	if OrNop(c) != MetricsCollector(c) {
		t.Error("OrNop should return the given collector")
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリに登録できることを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordAuthEvent("sign_out", "success")

	families, err := reg2.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "tasksync_auth_events_total" && len(mf.GetMetric()) != 0 {
			t.Error("reg2 should not observe c1 events")
		}
	}
}
