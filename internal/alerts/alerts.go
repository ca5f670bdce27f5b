// Package alerts evaluates dashboard alerts over the latest readings.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"greenhouse/go-iot-stack/internal/model"
)

// Severity levels.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Thresholds are exclusive bounds: a value equal to a bound raises nothing.
type Thresholds struct {
	MinMoisture    float64
	MaxMoisture    float64
	MaxTemperature float64
	MinTemperature float64
	StaleAfter     time.Duration
}

// DefaultThresholds returns the greenhouse operating envelope.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinMoisture:    30,
		MaxMoisture:    80,
		MaxTemperature: 30,
		MinTemperature: 18,
		StaleAfter:     60 * time.Minute,
	}
}

// Evaluate returns the alerts raised by the latest soil reading per sector and
// the latest environmental readings, as seen at now.
func Evaluate(th Thresholds, soil []model.SoilReading, env []model.EnvironmentalReading, now time.Time) []model.Alert {
	alerts := make([]model.Alert, 0)

	sorted := append([]model.SoilReading(nil), soil...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SectorID < sorted[j].SectorID })
	for _, s := range sorted {
		switch {
		case s.SoilMoisture < th.MinMoisture:
			alerts = append(alerts, model.Alert{
				Type:     model.AlertLowMoisture,
				Severity: SeverityWarning,
				SectorID: s.SectorID,
				Message:  fmt.Sprintf("Sector %d soil moisture %.1f%% is below %.0f%%, watering needed", s.SectorID, s.SoilMoisture, th.MinMoisture),
				Value:    s.SoilMoisture,
			})
		case s.SoilMoisture > th.MaxMoisture:
			alerts = append(alerts, model.Alert{
				Type:     model.AlertDrainage,
				Severity: SeverityWarning,
				SectorID: s.SectorID,
				Message:  fmt.Sprintf("Sector %d soil moisture %.1f%% is above %.0f%%, check drainage", s.SectorID, s.SoilMoisture, th.MaxMoisture),
				Value:    s.SoilMoisture,
			})
		}
	}

	var newest *model.EnvironmentalReading
	for i := range env {
		e := env[i]
		switch {
		case e.Temperature > th.MaxTemperature:
			alerts = append(alerts, model.Alert{
				Type:     model.AlertHighTemp,
				Severity: SeverityWarning,
				SectorID: e.SectorID,
				Message:  fmt.Sprintf("Temperature %.1f°C is above %.0f°C, cooling required", e.Temperature, th.MaxTemperature),
				Value:    e.Temperature,
			})
		case e.Temperature < th.MinTemperature:
			alerts = append(alerts, model.Alert{
				Type:     model.AlertLowTemp,
				Severity: SeverityWarning,
				SectorID: e.SectorID,
				Message:  fmt.Sprintf("Temperature %.1f°C is below %.0f°C, heating required", e.Temperature, th.MinTemperature),
				Value:    e.Temperature,
			})
		}
		if newest == nil || e.RecordedAt.After(newest.RecordedAt) {
			newest = &env[i]
		}
	}

	if newest == nil || now.Sub(newest.RecordedAt) > th.StaleAfter {
		msg := "No environmental readings received"
		if newest != nil {
			msg = fmt.Sprintf("No environmental reading for %s", now.Sub(newest.RecordedAt).Truncate(time.Minute))
		}
		alerts = append(alerts, model.Alert{
			Type:     model.AlertConnectivity,
			Severity: SeverityCritical,
			Message:  msg,
		})
	}

	return alerts
}
