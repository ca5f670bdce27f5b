// Package bridge maps published telemetry frames onto stored readings.
package bridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"greenhouse/go-iot-stack/internal/model"
)

// Topic suffixes recognised by Readings.
const (
	SuffixTemperature = "temperature"
	SuffixSoil        = "soil_moisture"
	SuffixLightGrowth = "light_growth"
	SuffixLeafCount   = "leaf_count"
)

// Readings decodes a frame published on topic into zero or more readings. The
// last topic level selects the mapping. Frames without usable values return a
// validation error.
func Readings(topic string, payload []byte, now time.Time) ([]model.Reading, error) {
	suffix := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		suffix = topic[i+1:]
	}

	var (
		readings []model.Reading
		err      error
	)
	switch suffix {
	case SuffixTemperature:
		readings, err = environmental(payload, now)
	case SuffixSoil:
		readings, err = soil(payload, now)
	case SuffixLightGrowth:
		readings, err = plantHeights(payload, now)
	case SuffixLeafCount:
		readings, err = leafCount(payload, now)
	default:
		return nil, fmt.Errorf("no mapping for topic %q", topic)
	}
	if err != nil {
		return nil, err
	}

	for _, r := range readings {
		if err := model.ValidateReading(r); err != nil {
			return nil, err
		}
	}
	return readings, nil
}

// Handles reports whether Readings has a mapping for topic.
func Handles(topic string) bool {
	switch topic[strings.LastIndex(topic, "/")+1:] {
	case SuffixTemperature, SuffixSoil, SuffixLightGrowth, SuffixLeafCount:
		return true
	}
	return false
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return model.Invalid("payload", err.Error())
	}
	return nil
}

func frameTime(ts string, now time.Time) time.Time {
	if ts == "" {
		return now
	}
	if t, err := model.ParseTime(ts); err == nil {
		return t
	}
	return now
}

func environmental(payload []byte, now time.Time) ([]model.Reading, error) {
	var f struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
		SectorID    *int     `json:"sector_id"`
	}
	if err := decode(payload, &f); err != nil {
		return nil, err
	}
	if f.Temperature == nil || f.Humidity == nil {
		return nil, model.Invalid("temperature", "temperature and humidity are required")
	}
	sector := 1
	if f.SectorID != nil && *f.SectorID != 0 {
		sector = *f.SectorID
	}
	return []model.Reading{model.EnvironmentalReading{
		SectorID:    sector,
		Temperature: *f.Temperature,
		Humidity:    *f.Humidity,
		RecordedAt:  now,
	}}, nil
}

type soilSensor struct {
	Sector          *int     `json:"sector"`
	RawValue        *int     `json:"raw_value"`
	MoisturePercent *float64 `json:"moisture_percent"`
}

func soil(payload []byte, now time.Time) ([]model.Reading, error) {
	var f struct {
		Timestamp   string `json:"timestamp"`
		SoilSensors struct {
			SensorA *soilSensor `json:"sensor_a"`
			SensorB *soilSensor `json:"sensor_b"`
			SensorC *soilSensor `json:"sensor_c"`
		} `json:"soil_sensors"`
	}
	if err := decode(payload, &f); err != nil {
		return nil, err
	}

	at := frameTime(f.Timestamp, now)
	var readings []model.Reading
	for _, s := range []*soilSensor{f.SoilSensors.SensorA, f.SoilSensors.SensorB, f.SoilSensors.SensorC} {
		if s == nil {
			continue
		}
		if s.Sector == nil || s.RawValue == nil || s.MoisturePercent == nil {
			return nil, model.Invalid("soil_sensors", "sector, raw_value and moisture_percent are required")
		}
		readings = append(readings, model.SoilReading{
			SectorID:     *s.Sector,
			RawValue:     *s.RawValue,
			SoilMoisture: *s.MoisturePercent,
			RecordedAt:   at,
		})
	}
	if len(readings) == 0 {
		return nil, model.Invalid("soil_sensors", "no sensors in frame")
	}
	return readings, nil
}

func plantHeights(payload []byte, now time.Time) ([]model.Reading, error) {
	var f struct {
		PlantHeights map[string]struct {
			Sector   *int     `json:"sector"`
			HeightCM *float64 `json:"height_cm"`
		} `json:"plant_heights"`
	}
	if err := decode(payload, &f); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(f.PlantHeights))
	for k := range f.PlantHeights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// An empty result is valid: every sector may report no reading.
	readings := make([]model.Reading, 0, len(keys))
	for _, k := range keys {
		p := f.PlantHeights[k]
		if p.HeightCM == nil || *p.HeightCM == -1 {
			continue
		}
		if p.Sector == nil {
			return nil, model.Invalid("plant_heights", fmt.Sprintf("%s has no sector", k))
		}
		readings = append(readings, model.PlantHeightReading{
			SectorID:   *p.Sector,
			HeightCM:   *p.HeightCM,
			RecordedAt: now,
		})
	}
	return readings, nil
}

func leafCount(payload []byte, now time.Time) ([]model.Reading, error) {
	var f struct {
		LeafCount *int `json:"leaf_count"`
	}
	if err := decode(payload, &f); err != nil {
		return nil, err
	}
	if f.LeafCount == nil {
		return nil, model.Invalid("leaf_count", "required")
	}
	return []model.Reading{model.LeafCountReading{
		SectorID:   model.LeafCountSector,
		LeafCount:  *f.LeafCount,
		RecordedAt: now,
	}}, nil
}
