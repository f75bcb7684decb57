package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_AllOperations(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.IncMessagesConsumed("trace-obj", 0)
	metrics.IncOffsetCommits("trace-obj", 0, "success")
	metrics.IncRebalances("collector")
	metrics.ObserveRebalanceDuration("collector", 1.5)
	metrics.ObserveCommitLatency("trace-obj", 0, 0.05)
	metrics.SetPartitionsAssigned("trace-obj", 3)
	metrics.IncDeadLettered("trace-obj", "decode")
	metrics.IncPacketsProcessed("obj", "success")
	metrics.AddPacketsLost("obj", 4)
	metrics.IncStreamResets("aux")
	metrics.SetBufferSize("trace-obj", 0, 4096)
	metrics.IncFilesWritten("trace-obj", 0, "parquet", "success")
	metrics.ObserveFileSize("trace-obj", 0, "parquet", 5120.0)
	metrics.ObserveStorageWriteDuration("trace-obj", 0, 0.8)
	metrics.IncStorageErrors("s3", "upload")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metrics")
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "tracecollector_packets_lost_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 4 {
				t.Errorf("packets lost = %v, want 4", v)
			}
		}
	}
	if !found {
		t.Error("tracecollector_packets_lost_total not registered")
	}
}

func TestProducerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewProducerMetrics(registry)

	metrics.IncPacketsDrained("obj", 4096)
	metrics.IncPacketsDrained("obj", 100)
	metrics.AddPacketsLost("aux", 2)
	metrics.IncSinkErrors("file")
	metrics.ObserveSinkDuration("file", 0.01)
	metrics.IncPacketsPublished("trace-obj", "obj")
	metrics.IncPublishFailed("trace-obj", "obj")
	metrics.ObservePublishDuration("trace-obj", 0.2)
	metrics.IncEventsGenerated("obj", "object_created")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() == "tracestream_bytes_drained_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 4196 {
				t.Errorf("bytes drained = %v, want 4196", v)
			}
			return
		}
	}
	t.Error("tracestream_bytes_drained_total not registered")
}
