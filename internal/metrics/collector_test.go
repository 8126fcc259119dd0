package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/bacnet-go/bacnetcore/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.FramesValid == nil {
		t.Error("FramesValid is nil")
	}
	if c.FramesInvalid == nil {
		t.Error("FramesInvalid is nil")
	}
	if c.TokenRotations == nil {
		t.Error("TokenRotations is nil")
	}
	if c.AutoBaudLocked == nil {
		t.Error("AutoBaudLocked is nil")
	}
	if c.BVLCForwarded == nil {
		t.Error("BVLCForwarded is nil")
	}
	if c.FDTSize == nil {
		t.Error("FDTSize is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncFramesValid("mstp0")
	c.IncFramesValid("mstp0")
	c.IncFramesInvalid("mstp0")

	if v := counterValue(t, c.FramesValid, "mstp0"); v != 2 {
		t.Errorf("FramesValid = %v, want 2", v)
	}
	if v := counterValue(t, c.FramesInvalid, "mstp0"); v != 1 {
		t.Errorf("FramesInvalid = %v, want 1", v)
	}
}

func TestTokenRotations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncTokenRotations("mstp0")
	c.IncTokenRotations("mstp0")
	c.IncTokenRotations("mstp0")

	if v := counterValue(t, c.TokenRotations, "mstp0"); v != 3 {
		t.Errorf("TokenRotations = %v, want 3", v)
	}
}

func TestAutoBaudLocked(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetAutoBaudLocked("mstp0", 38400)

	if v := gaugeValue(t, c.AutoBaudLocked, "mstp0"); v != 38400 {
		t.Errorf("AutoBaudLocked = %v, want 38400", v)
	}
}

func TestBVLCForwardedAndDropped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncBVLCForwarded("ipv4")
	c.IncBVLCForwarded("ipv4")
	c.IncBVLCDropped("ipv6")

	if v := counterValue(t, c.BVLCForwarded, "ipv4"); v != 2 {
		t.Errorf("BVLCForwarded(ipv4) = %v, want 2", v)
	}
	if v := counterValue(t, c.BVLCDropped, "ipv6"); v != 1 {
		t.Errorf("BVLCDropped(ipv6) = %v, want 1", v)
	}
}

func TestFDTSize(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetFDTSize("ipv4", 3)

	if v := gaugeValue(t, c.FDTSize, "ipv4"); v != 3 {
		t.Errorf("FDTSize(ipv4) = %v, want 3", v)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
