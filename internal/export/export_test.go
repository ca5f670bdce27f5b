package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"greenhouse/go-iot-stack/internal/model"
)

func soilReadings() []model.Reading {
	base := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	return []model.Reading{
		model.SoilReading{ID: 2, SectorID: 2, RawValue: 512, SoilMoisture: 50, RecordedAt: base.Add(time.Minute)},
		model.SoilReading{ID: 1, SectorID: 1, RawValue: 850, SoilMoisture: 16.9, RecordedAt: base},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, model.KindSoil, soilReadings()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0][4] != "soil_moisture" {
		t.Fatalf("header = %v", records[0])
	}
	if records[1][0] != "1" || records[1][3] != "850" || records[1][4] != "16.9" {
		t.Fatalf("rows not ordered oldest first: %v", records[1])
	}
	if records[1][1] != "2025-03-04T08:00:00.000000Z" {
		t.Fatalf("timestamp = %q", records[1][1])
	}
}

func TestWriteCSVRejectsMixedKinds(t *testing.T) {
	readings := append(soilReadings(), model.LeafCountReading{ID: 3, SectorID: 1, LeafCount: 4})
	if err := WriteCSV(&bytes.Buffer{}, model.KindSoil, readings); err == nil {
		t.Fatalf("expected error for a leaf reading in a soil export")
	}
}

func TestBuildXLSX(t *testing.T) {
	data, err := BuildXLSX(model.KindSoil, soilReadings())
	if err != nil {
		t.Fatalf("BuildXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("soil")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "id" || rows[2][3] != "512" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "csv": FormatCSV, "xlsx": FormatXLSX} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected error for pdf")
	}
	if got := FormatXLSX.Filename(model.KindLeafCount); got != "greenhouse_leaf_count.xlsx" {
		t.Fatalf("filename = %q", got)
	}
}
