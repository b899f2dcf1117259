package price

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

const dateLayout = "2006-01-02"

var errEmptySource = errors.New("price: no feed source configured")

// openSource resolves a feed source to a reader. "s3://bucket/key" reads
// key through the blob reader; anything else is a local file path.
func (c *Cache) openSource(ctx context.Context, source string) (io.ReadCloser, error) {
	if source == "" {
		return nil, errEmptySource
	}
	if rest, ok := strings.CutPrefix(source, "s3://"); ok {
		if c.blobs == nil {
			return nil, fmt.Errorf("price: %s: object storage not configured", source)
		}
		_, key, found := strings.Cut(rest, "/")
		if !found || key == "" {
			return nil, fmt.Errorf("price: %s: missing object key", source)
		}
		rc, err := c.blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("price: open %s: %w", source, err)
		}
		return rc, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("price: open %s: %w", source, err)
	}
	return f, nil
}

// parseSeries reads a "date,price" CSV. Rows are sorted by date, repeated
// dates keep the last row, and only the newest lookbackDays samples remain.
func parseSeries(r io.Reader, lookbackDays int) ([]domain.PriceSample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("price: read csv: %w", err)
	}
	if len(records) > 0 && strings.EqualFold(strings.TrimSpace(records[0][0]), "date") {
		records = records[1:]
	}

	byDate := make(map[time.Time]fixed.Amount, len(records))
	for i, rec := range records {
		d, err := time.Parse(dateLayout, strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("price: row %d: bad date %q: %w", i+1, rec[0], err)
		}
		p, err := fixed.Parse(strings.TrimSpace(rec[1]), fixed.PriceScale)
		if err != nil {
			return nil, fmt.Errorf("price: row %d: %w", i+1, err)
		}
		if p.Sign() <= 0 {
			return nil, fmt.Errorf("price: row %d: non-positive price %s", i+1, p)
		}
		byDate[d.UTC()] = p
	}
	if len(byDate) == 0 {
		return nil, fmt.Errorf("price: feed has no samples")
	}

	samples := make([]domain.PriceSample, 0, len(byDate))
	for d, p := range byDate {
		samples = append(samples, domain.PriceSample{Date: d, Price: p})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Date.Before(samples[j].Date) })

	if lookbackDays > 0 && len(samples) > lookbackDays {
		samples = samples[len(samples)-lookbackDays:]
	}
	return samples, nil
}
