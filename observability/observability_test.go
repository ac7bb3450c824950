package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/hcexport/dbopen"
	"github.com/hazyhaar/hcexport/export"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsRecordAndQuery(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordSimple(MetricPoolSize, 4, "count")
	mm.Record(&Metric{
		Name:      MetricSpentAverageMs,
		Timestamp: time.Now(),
		Value:     123.5,
		Labels:    map[string]string{"format": "png"},
		Unit:      "milliseconds",
	})
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := mm.Query(MetricPoolSize, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 4 {
		t.Errorf("pool_size query = %+v, want one datapoint of 4", got)
	}

	got, err = mm.Query(MetricSpentAverageMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Labels["format"] != "png" {
		t.Errorf("labels did not round-trip: %+v", got)
	}
}

func TestMetricsBufferFlushOnOverflow(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple(MetricExportAttempts, 1, "count")
	mm.RecordSimple(MetricExportAttempts, 2, "count")

	// Buffer size reached: both rows must already be on disk.
	got, err := mm.Query(MetricExportAttempts, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("rows after overflow flush = %d, want 2", len(got))
	}
}

func TestMetricsCleanup(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{Name: "old", Timestamp: time.Now().AddDate(0, 0, -30), Value: 1, Unit: "count"})
	mm.RecordSimple("fresh", 1, "count")
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	n, err := mm.Cleanup(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleanup removed %d rows, want 1", n)
	}
}

func TestExportLogRoundTrip(t *testing.T) {
	db := testDB(t)
	el := NewExportLog(db, 100, time.Hour)

	el.Record(export.Event{
		RequestID: "req_1",
		Worker:    "wrk_V1StGXR8Z5",
		Format:    export.FormatPNG,
		Elapsed:   150 * time.Millisecond,
	})
	el.Record(export.Event{
		RequestID: "req_2",
		Format:    export.FormatSVG,
		FromSVG:   true,
		Err:       "export: invalid render input: both",
	})
	if err := el.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := el.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.RequestID] = e
	}
	ok := byID["req_1"]
	if ok.Status != "ok" || ok.DurationMs != 150 || ok.Format != "png" {
		t.Errorf("req_1 = %+v", ok)
	}
	failed := byID["req_2"]
	if failed.Status != "error" || failed.Error == "" || !failed.FromSVG {
		t.Errorf("req_2 = %+v", failed)
	}
}

func TestExportLogOverflowDrops(t *testing.T) {
	db := testDB(t)
	el := NewExportLog(db, 1, time.Hour)

	el.Record(export.Event{RequestID: "req_1", Format: export.FormatPNG})
	el.Record(export.Event{RequestID: "req_2", Format: export.FormatPNG})
	if err := el.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := el.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req_1" {
		t.Errorf("entries = %+v, want only req_1", entries)
	}
}

type fakeSource struct{}

func (fakeSource) PoolStatus() (int, int, int) { return 4, 1, 3 }
func (fakeSource) Stats() export.StatsSnapshot {
	return export.StatsSnapshot{ExportAttempts: 10, PerformedExports: 9, DroppedExports: 1, SpentAverageMs: 42}
}

func TestSamplerRecordsPoolMetrics(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	s := NewSampler(fakeSource{}, mm, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := mm.Query(MetricPoolInUse, nil, nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Value != 1 {
		t.Errorf("pool_in_use samples = %+v, want value 1", got)
	}
}
