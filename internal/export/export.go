// Package export renders stored readings as CSV or XLSX downloads.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"greenhouse/go-iot-stack/internal/model"
)

// Format is a supported download format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Filename is the attachment name used for kind in format f.
func (f Format) Filename(kind model.ReadingKind) string {
	return fmt.Sprintf("greenhouse_%s.%s", kind, f)
}

// Header returns the column names for kind.
func Header(kind model.ReadingKind) ([]string, error) {
	switch kind {
	case model.KindEnvironmental:
		return []string{"id", "recorded_at", "sector_id", "temperature", "humidity"}, nil
	case model.KindSoil:
		return []string{"id", "recorded_at", "sector_id", "raw_value", "soil_moisture"}, nil
	case model.KindPlantHeight:
		return []string{"id", "recorded_at", "sector_id", "height_cm"}, nil
	case model.KindLeafCount:
		return []string{"id", "recorded_at", "sector_id", "leaf_count"}, nil
	}
	return nil, fmt.Errorf("unknown reading kind %q", kind)
}

func row(r model.Reading) []any {
	switch v := r.(type) {
	case model.EnvironmentalReading:
		return []any{v.ID, v.RecordedAt, v.SectorID, v.Temperature, v.Humidity}
	case model.SoilReading:
		return []any{v.ID, v.RecordedAt, v.SectorID, v.RawValue, v.SoilMoisture}
	case model.PlantHeightReading:
		return []any{v.ID, v.RecordedAt, v.SectorID, v.HeightCM}
	case model.LeafCountReading:
		return []any{v.ID, v.RecordedAt, v.SectorID, v.LeafCount}
	}
	return nil
}

// sorted returns readings of kind ordered by time, oldest first.
func sorted(kind model.ReadingKind, readings []model.Reading) ([]model.Reading, error) {
	out := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Kind() != kind {
			return nil, fmt.Errorf("reading of kind %q in %q export", r.Kind(), kind)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At().Before(out[j].At())
	})
	return out, nil
}

// WriteCSV streams readings of one kind as CSV.
func WriteCSV(w io.Writer, kind model.ReadingKind, readings []model.Reading) error {
	header, err := Header(kind)
	if err != nil {
		return err
	}
	rows, err := sorted(kind, readings)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		values := row(r)
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = csvValue(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		return model.FormatTime(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprint(v)
}

// BuildXLSX renders readings of one kind into a single-sheet workbook.
func BuildXLSX(kind model.ReadingKind, readings []model.Reading) ([]byte, error) {
	header, err := Header(kind)
	if err != nil {
		return nil, err
	}
	rows, err := sorted(kind, readings)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := string(kind)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	for i, name := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
	}
	for r, reading := range rows {
		for c, v := range row(reading) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if t, ok := v.(time.Time); ok {
				v = model.FormatTime(t)
			}
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
