package mqtt

import (
	"testing"

	"thlogger-gateway/internal/measurement"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{LiveTopic("loggers", "AA:BB:CC"), "loggers/AA:BB:CC/live"},
		{MeasurementsTopic("site/a", "dev-1"), "site/a/dev-1/measurements"},
		{DownloadTopic("loggers", "x/y+#"), "loggers/x_y__/download"},
		{GatewayTopic("loggers", "gw"), "loggers/_gateway/gw"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q; want %q", tt.got, tt.want)
		}
	}
}

func TestBatch(t *testing.T) {
	recs := make([]measurement.Record, MaxBatch*2+1)
	batches := Batch("dev", recs)
	if len(batches) != 3 {
		t.Fatalf("batches = %d; want 3", len(batches))
	}
	if len(batches[0].Records) != MaxBatch || len(batches[2].Records) != 1 {
		t.Errorf("sizes = %d, %d", len(batches[0].Records), len(batches[2].Records))
	}
	if batches[2].Batch != 3 || batches[2].Batches != 3 {
		t.Errorf("numbering = %d/%d", batches[2].Batch, batches[2].Batches)
	}
	if got := Batch("dev", nil); len(got) != 0 {
		t.Errorf("Batch(nil) = %d batches; want 0", len(got))
	}
}
