// Package readings imports inverter production exports as training ground
// truth. The supported format is the E3DC portal CSV: semicolon separated,
// decimal comma, German timestamps in local time marking the END of each
// hourly interval. Rows produced under curtailment are kept but flagged, so
// training can exclude hours where production was capped below potential.
package readings

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/store"
)

const (
	timestampColumn    = "Zeitstempel"
	productionColumn   = "Solarproduktion [W]"
	curtailLimitColumn = "Abregelungsgrenze [W]"

	timestampLayout = "02.01.2006 15:04:05"

	// A reading this close to the curtailment limit means the inverter was
	// being capped.
	curtailTolerance = 0.95
)

// Sink is the store surface the importer writes through.
type Sink interface {
	UpsertReading(r store.Reading) error
}

// Summary reports one import run.
type Summary struct {
	Imported  int
	Curtailed int
	Skipped   int
}

// Importer parses production CSVs into the readings table.
type Importer struct {
	sink     Sink
	location *time.Location
}

// NewImporter creates an Importer converting timestamps from the given local
// timezone, e.g. "Europe/Berlin".
func NewImporter(sink Sink, timezone string) (*Importer, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %v", timezone, err)
	}
	return &Importer{sink: sink, location: loc}, nil
}

// ImportFile imports one CSV file.
func (im *Importer) ImportFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	summary, err := im.Import(f)
	if err != nil {
		return summary, fmt.Errorf("failed to import %s: %v", path, err)
	}
	klog.InfoS("Imported production CSV", "path", path,
		"imported", summary.Imported, "curtailed", summary.Curtailed, "skipped", summary.Skipped)
	return summary, nil
}

// Import reads CSV rows from r and persists them. Rows that cannot be parsed
// or carry negative production are skipped; the import continues.
func (im *Importer) Import(r io.Reader) (Summary, error) {
	var summary Summary

	cr := csv.NewReader(r)
	cr.Comma = ';'

	header, err := cr.Read()
	if err != nil {
		return summary, fmt.Errorf("failed to read header: %v", err)
	}
	tsIdx, prodIdx, limitIdx := -1, -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case timestampColumn:
			tsIdx = i
		case productionColumn:
			prodIdx = i
		case curtailLimitColumn:
			limitIdx = i
		}
	}
	if tsIdx < 0 || prodIdx < 0 {
		return summary, fmt.Errorf("required columns %q and %q not found",
			timestampColumn, productionColumn)
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read row: %v", err)
		}

		reading, ok := im.parseRow(row, tsIdx, prodIdx, limitIdx)
		if !ok {
			summary.Skipped++
			continue
		}
		if err := im.sink.UpsertReading(reading); err != nil {
			return summary, fmt.Errorf("failed to store reading: %v", err)
		}
		summary.Imported++
		if reading.Curtailed {
			summary.Curtailed++
		}
	}
	return summary, nil
}

func (im *Importer) parseRow(row []string, tsIdx, prodIdx, limitIdx int) (store.Reading, bool) {
	if tsIdx >= len(row) || prodIdx >= len(row) {
		return store.Reading{}, false
	}

	local, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(row[tsIdx]), im.location)
	if err != nil {
		klog.V(2).InfoS("Skipping row with bad timestamp", "value", row[tsIdx], "error", err)
		return store.Reading{}, false
	}
	// Export timestamps mark the interval end; the store keys on the start.
	ts := local.UTC().Add(-time.Hour).Unix()

	production, err := parseDecimal(row[prodIdx])
	if err != nil || production < 0 {
		klog.V(2).InfoS("Skipping row with bad production", "value", row[prodIdx])
		return store.Reading{}, false
	}

	curtailed := false
	if limitIdx >= 0 && limitIdx < len(row) {
		if limit, err := parseDecimal(row[limitIdx]); err == nil && limit > 0 {
			curtailed = production >= limit*curtailTolerance
		}
	}

	return store.Reading{
		Timestamp:   ts,
		ProductionW: int(production),
		Curtailed:   curtailed,
	}, true
}

// parseDecimal accepts the decimal-comma notation of the export.
func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
}
