package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/money"
)

// Build aggregates an owner's usage records over [start, end) into ordered
// period buckets. At most one bucket exists per period, and each bucket's
// usage is the exact decimal sum of the records falling inside it.
func Build(ctx context.Context, store ledger.Store, ownerID string, periodType ledger.PeriodType, start, end time.Time) ([]ledger.UsageTotal, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("start %s is not before end %s", start, end)
	}
	records, err := store.UsageInRange(ctx, ownerID, start, end)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]money.Amount)
	for _, rec := range records {
		label, err := bucketLabel(periodType, rec.RecordedAt)
		if err != nil {
			return nil, err
		}
		sums[label] = sums[label].Add(rec.Quantity)
	}

	labels := make([]string, 0, len(sums))
	for label := range sums {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	totals := make([]ledger.UsageTotal, 0, len(labels))
	for _, label := range labels {
		totals = append(totals, ledger.UsageTotal{Period: label, Usage: sums[label]})
	}
	return totals, nil
}

// bucketLabel renders the period bucket a timestamp falls into. Labels sort
// lexicographically in chronological order.
func bucketLabel(periodType ledger.PeriodType, t time.Time) (string, error) {
	t = t.UTC()
	switch periodType {
	case ledger.PeriodDaily:
		return t.Format("2006-01-02"), nil
	case ledger.PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case ledger.PeriodMonthly:
		return t.Format("2006-01"), nil
	default:
		return "", fmt.Errorf("unknown period type %q", periodType)
	}
}

// writeArtifact persists the report rows as a CSV file and returns its path.
// The download endpoint that serves the file is outside this engine.
func writeArtifact(dir string, reportID uuid.UUID, totals []ledger.UsageTotal) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, reportID.String()+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	w := csv.NewWriter(f)
	rows := [][]string{{"period", "usage"}}
	for _, total := range totals {
		rows = append(rows, []string{total.Period, total.Usage.String()})
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
