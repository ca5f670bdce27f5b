package model

import (
	"fmt"
	"time"
)

// ReadingKind names one of the four stored reading shapes.
type ReadingKind string

const (
	KindEnvironmental ReadingKind = "environmental"
	KindSoil          ReadingKind = "soil"
	KindPlantHeight   ReadingKind = "plant_height"
	KindLeafCount     ReadingKind = "leaf_count"
)

// ReadingKinds lists every kind in dashboard order.
var ReadingKinds = []ReadingKind{KindEnvironmental, KindSoil, KindPlantHeight, KindLeafCount}

// ParseReadingKind accepts a kind name as used in query strings.
func ParseReadingKind(s string) (ReadingKind, error) {
	for _, k := range ReadingKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown reading kind %q", s)
}

// LeafCountSector is the fixed sector for leaf-count readings.
const LeafCountSector = 1

// Reading is implemented by every stored reading shape.
type Reading interface {
	Kind() ReadingKind
	Sector() int
	At() time.Time
}

// EnvironmentalReading is a temperature/humidity sample.
type EnvironmentalReading struct {
	ID          int64     `json:"id,omitempty"`
	SectorID    int       `json:"sector_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	RecordedAt  time.Time `json:"timestamp"`
}

func (r EnvironmentalReading) Kind() ReadingKind { return KindEnvironmental }
func (r EnvironmentalReading) Sector() int       { return r.SectorID }
func (r EnvironmentalReading) At() time.Time     { return r.RecordedAt }

// SoilReading is one soil moisture sensor sample.
type SoilReading struct {
	ID           int64     `json:"id,omitempty"`
	SectorID     int       `json:"sector_id"`
	RawValue     int       `json:"raw_value"`
	SoilMoisture float64   `json:"soil_moisture"`
	RecordedAt   time.Time `json:"timestamp"`
}

func (r SoilReading) Kind() ReadingKind { return KindSoil }
func (r SoilReading) Sector() int       { return r.SectorID }
func (r SoilReading) At() time.Time     { return r.RecordedAt }

// PlantHeightReading is one plant height sample.
type PlantHeightReading struct {
	ID         int64     `json:"id,omitempty"`
	SectorID   int       `json:"sector_id"`
	HeightCM   float64   `json:"height_cm"`
	RecordedAt time.Time `json:"timestamp"`
}

func (r PlantHeightReading) Kind() ReadingKind { return KindPlantHeight }
func (r PlantHeightReading) Sector() int       { return r.SectorID }
func (r PlantHeightReading) At() time.Time     { return r.RecordedAt }

// LeafCountReading is one leaf count estimate.
type LeafCountReading struct {
	ID         int64     `json:"id,omitempty"`
	SectorID   int       `json:"sector_id"`
	LeafCount  int       `json:"leaf_count"`
	RecordedAt time.Time `json:"timestamp"`
}

func (r LeafCountReading) Kind() ReadingKind { return KindLeafCount }
func (r LeafCountReading) Sector() int       { return r.SectorID }
func (r LeafCountReading) At() time.Time     { return r.RecordedAt }

// Aggregate summarises one metric over a window. Zero Count means no data.
type Aggregate struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Metric selects one numeric column of a reading kind.
type Metric struct {
	Kind  ReadingKind
	Field string
}

// Metrics available to aggregate queries.
var (
	MetricTemperature  = Metric{Kind: KindEnvironmental, Field: "temperature"}
	MetricHumidity     = Metric{Kind: KindEnvironmental, Field: "humidity"}
	MetricSoilMoisture = Metric{Kind: KindSoil, Field: "soil_moisture"}
	MetricPlantHeight  = Metric{Kind: KindPlantHeight, Field: "height_cm"}
	MetricLeafCount    = Metric{Kind: KindLeafCount, Field: "leaf_count"}
)

// PrimaryMetric is the metric aggregated for a kind when none is named.
func PrimaryMetric(k ReadingKind) Metric {
	switch k {
	case KindSoil:
		return MetricSoilMoisture
	case KindPlantHeight:
		return MetricPlantHeight
	case KindLeafCount:
		return MetricLeafCount
	default:
		return MetricTemperature
	}
}

// AlertType classifies a dashboard alert.
type AlertType string

const (
	AlertLowMoisture  AlertType = "low_moisture"
	AlertDrainage     AlertType = "drainage"
	AlertHighTemp     AlertType = "high_temperature"
	AlertLowTemp      AlertType = "low_temperature"
	AlertConnectivity AlertType = "connectivity"
)

// Alert is one evaluated condition over the latest readings.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity string    `json:"severity"`
	SectorID int       `json:"sector_id,omitempty"`
	Message  string    `json:"message"`
	Value    float64   `json:"value,omitempty"`
}

// ValidateReading checks the ranges every stored reading must satisfy.
func ValidateReading(r Reading) error {
	if !ValidSector(r.Sector()) {
		return Invalid("sector_id", fmt.Sprintf("must be between %d and %d", MinSector, MaxSector))
	}
	switch v := r.(type) {
	case EnvironmentalReading:
		if v.Humidity < 0 || v.Humidity > 100 {
			return Invalid("humidity", "must be between 0 and 100")
		}
	case SoilReading:
		if v.RawValue < 0 || v.RawValue > 1023 {
			return Invalid("raw_value", "must be between 0 and 1023")
		}
		if v.SoilMoisture < 0 || v.SoilMoisture > 100 {
			return Invalid("soil_moisture", "must be between 0 and 100")
		}
	case PlantHeightReading:
		if v.HeightCM < 0 {
			return Invalid("height_cm", "must not be negative")
		}
	case LeafCountReading:
		if v.LeafCount < 0 {
			return Invalid("leaf_count", "must not be negative")
		}
	}
	return nil
}
