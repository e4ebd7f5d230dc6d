package report

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/money"
)

func addUsage(t *testing.T, s ledger.Store, ownerID, quantity string, at time.Time) {
	t.Helper()
	err := s.AddUsageRecord(context.Background(), ledger.UsageRecord{
		OwnerID:    ownerID,
		Quantity:   money.MustParse(quantity),
		Unit:       "gb",
		RecordedAt: at,
	})
	if err != nil {
		t.Fatalf("add usage: %v", err)
	}
}

func TestBuildDailyBucketsExactSums(t *testing.T) {
	s := ledger.NewMemory()
	ctx := context.Background()

	// 45 records spread over a 31-day month: days 1-14 receive two records,
	// days 15-31 receive one.
	monthStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 45; j++ {
		day := j%31 + 1
		at := time.Date(2026, 8, day, 10, 0, 0, 0, time.UTC)
		addUsage(t, s, "creator-1", "0.01", at)
	}

	totals, err := Build(ctx, s, "creator-1", ledger.PeriodDaily, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(totals) != 31 {
		t.Fatalf("expected 31 daily buckets, got %d", len(totals))
	}
	for i, total := range totals {
		if i > 0 && totals[i-1].Period >= total.Period {
			t.Fatalf("buckets out of order: %s then %s", totals[i-1].Period, total.Period)
		}
		want := "0.01"
		if i < 14 {
			want = "0.02"
		}
		if total.Usage.String() != want {
			t.Fatalf("bucket %s: expected %s, got %s", total.Period, want, total.Usage)
		}
	}
	if totals[0].Period != "2026-08-01" || totals[30].Period != "2026-08-31" {
		t.Fatalf("unexpected bucket labels %s .. %s", totals[0].Period, totals[30].Period)
	}
}

func TestBuildWeeklyAndMonthlyLabels(t *testing.T) {
	s := ledger.NewMemory()
	ctx := context.Background()

	// Monday Aug 3 and Monday Aug 10 of 2026 fall in ISO weeks 32 and 33.
	addUsage(t, s, "creator-1", "1.00", time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC))
	addUsage(t, s, "creator-1", "2.00", time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	weekly, err := Build(ctx, s, "creator-1", ledger.PeriodWeekly, from, to)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(weekly) != 2 || weekly[0].Period != "2026-W32" || weekly[1].Period != "2026-W33" {
		t.Fatalf("unexpected weekly buckets %+v", weekly)
	}

	monthly, err := Build(ctx, s, "creator-1", ledger.PeriodMonthly, from, to)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if len(monthly) != 1 || monthly[0].Period != "2026-08" {
		t.Fatalf("unexpected monthly buckets %+v", monthly)
	}
	if monthly[0].Usage.String() != "3.00" {
		t.Fatalf("monthly sum %s", monthly[0].Usage)
	}
}

func TestBuildIgnoresRecordsOutsideRange(t *testing.T) {
	s := ledger.NewMemory()
	ctx := context.Background()

	addUsage(t, s, "creator-1", "1.00", time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC))
	addUsage(t, s, "creator-1", "2.00", time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	addUsage(t, s, "creator-2", "4.00", time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	totals, err := Build(ctx, s, "creator-1", ledger.PeriodDaily, from, to)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(totals) != 1 || totals[0].Usage.String() != "2.00" {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestBuildRejectsEmptyRange(t *testing.T) {
	s := ledger.NewMemory()
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := Build(context.Background(), s, "creator-1", ledger.PeriodDaily, at, at); err == nil {
		t.Fatalf("expected error for empty range")
	}
}

func TestWriteArtifactProducesCSV(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	path, err := writeArtifact(dir, id, []ledger.UsageTotal{
		{Period: "2026-08-01", Usage: money.MustParse("1.50")},
		{Period: "2026-08-02", Usage: money.MustParse("0.25")},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := [][]string{
		{"period", "usage"},
		{"2026-08-01", "1.50"},
		{"2026-08-02", "0.25"},
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i := range want {
		if rows[i][0] != want[i][0] || rows[i][1] != want[i][1] {
			t.Fatalf("row %d: got %v", i, rows[i])
		}
	}
}
