package readings

import (
	"strings"
	"testing"
	"time"

	"github.com/helioforge/pvcast/pkg/pvcast/store"
)

type memorySink struct {
	readings []store.Reading
}

func (m *memorySink) UpsertReading(r store.Reading) error {
	m.readings = append(m.readings, r)
	return nil
}

const sampleCSV = `Zeitstempel;Solarproduktion [W];Hausverbrauch [W];Abregelungsgrenze [W]
15.06.2024 11:00:00;3120,5;420;0
15.06.2024 12:00:00;6930;410;7000
15.06.2024 13:00:00;-50;400;0
kaputt;1000;400;0
15.06.2024 14:00:00;4210;390;0
`

func newTestImporter(t *testing.T) (*Importer, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	im, err := NewImporter(sink, "Europe/Berlin")
	if err != nil {
		t.Fatalf("NewImporter() error = %v", err)
	}
	return im, sink
}

func TestImport(t *testing.T) {
	im, sink := newTestImporter(t)

	summary, err := im.Import(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if summary.Imported != 3 {
		t.Errorf("Imported = %d, want 3", summary.Imported)
	}
	// Negative production and the unparseable timestamp are skipped.
	if summary.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", summary.Skipped)
	}
	if summary.Curtailed != 1 {
		t.Errorf("Curtailed = %d, want 1", summary.Curtailed)
	}

	first := sink.readings[0]
	// 11:00 local (CEST, UTC+2) interval end becomes 08:00 UTC interval start.
	want := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC).Unix()
	if first.Timestamp != want {
		t.Errorf("timestamp = %d, want %d", first.Timestamp, want)
	}
	if first.ProductionW != 3120 {
		t.Errorf("production = %d, want 3120 (decimal comma)", first.ProductionW)
	}
	if first.Curtailed {
		t.Error("uncapped reading flagged as curtailed")
	}

	// 6930 W against a 7000 W limit is within the curtailment tolerance.
	if !sink.readings[1].Curtailed {
		t.Error("capped reading not flagged as curtailed")
	}
}

func TestImportWithoutCurtailColumn(t *testing.T) {
	im, sink := newTestImporter(t)

	csv := "Zeitstempel;Solarproduktion [W]\n15.06.2024 11:00:00;1500\n"
	summary, err := im.Import(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if summary.Imported != 1 || sink.readings[0].Curtailed {
		t.Errorf("summary = %+v, readings = %+v", summary, sink.readings)
	}
}

func TestImportMissingRequiredColumns(t *testing.T) {
	im, _ := newTestImporter(t)

	_, err := im.Import(strings.NewReader("Datum;Wert\n01.01.2024;5\n"))
	if err == nil {
		t.Fatal("expected error for missing required columns")
	}
}
