package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/alerts"
	"greenhouse/go-iot-stack/internal/export"
	"greenhouse/go-iot-stack/internal/model"
)

const (
	statisticsWindow  = 24 * time.Hour
	environmentWindow = 24 * time.Hour
	plantHeightWindow = 7 * 24 * time.Hour
	exportWindow      = 7 * 24 * time.Hour

	defaultCommandLimit = 20
	maxCommandLimit     = 200

	// statusUnknown reports an actuator no command has been issued for yet.
	statusUnknown = "UNKNOWN"
)

var errNoStore = errors.New("store not initialized")

type dashboardBody struct {
	Environmental []model.Reading `json:"environmental"`
	Soil          []model.Reading `json:"soil"`
	PlantHeight   []model.Reading `json:"plant_height"`
	LeafCount     []model.Reading `json:"leaf_count"`
	GeneratedAt   string          `json:"generated_at"`
}

func emptyDashboard(now time.Time) dashboardBody {
	return dashboardBody{
		Environmental: []model.Reading{},
		Soil:          []model.Reading{},
		PlantHeight:   []model.Reading{},
		LeafCount:     []model.Reading{},
		GeneratedAt:   model.FormatTime(now),
	}
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	now := a.now()
	if a.store == nil {
		a.writeFallback(w, r, "dashboard", errNoStore, emptyDashboard(now))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	body := emptyDashboard(now)
	dst := map[model.ReadingKind]*[]model.Reading{
		model.KindEnvironmental: &body.Environmental,
		model.KindSoil:          &body.Soil,
		model.KindPlantHeight:   &body.PlantHeight,
		model.KindLeafCount:     &body.LeafCount,
	}
	for _, kind := range model.ReadingKinds {
		latest, err := a.store.LatestPerSector(ctx, kind)
		if err != nil {
			a.writeFallback(w, r, "dashboard", err, emptyDashboard(now))
			return
		}
		*dst[kind] = nonNil(latest)
	}
	writeJSON(w, http.StatusOK, body)
}

type alertsBody struct {
	Alerts []model.Alert `json:"alerts"`
	Count  int           `json:"count"`
}

func (a *App) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	empty := alertsBody{Alerts: []model.Alert{}}
	if a.store == nil {
		a.writeFallback(w, r, "alerts", errNoStore, empty)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	soil, env, err := a.latestSoilAndEnv(ctx)
	if err != nil {
		a.writeFallback(w, r, "alerts", err, empty)
		return
	}
	list := alerts.Evaluate(a.thresholds, soil, env, a.now())
	writeJSON(w, http.StatusOK, alertsBody{Alerts: list, Count: len(list)})
}

func (a *App) latestSoilAndEnv(ctx context.Context) ([]model.SoilReading, []model.EnvironmentalReading, error) {
	soilRows, err := a.store.LatestPerSector(ctx, model.KindSoil)
	if err != nil {
		return nil, nil, err
	}
	envRows, err := a.store.LatestPerSector(ctx, model.KindEnvironmental)
	if err != nil {
		return nil, nil, err
	}

	soil := make([]model.SoilReading, 0, len(soilRows))
	for _, row := range soilRows {
		if s, ok := row.(model.SoilReading); ok {
			soil = append(soil, s)
		}
	}
	env := make([]model.EnvironmentalReading, 0, len(envRows))
	for _, row := range envRows {
		if e, ok := row.(model.EnvironmentalReading); ok {
			env = append(env, e)
		}
	}
	return soil, env, nil
}

type statisticsBody struct {
	Temperature  model.Aggregate `json:"temperature"`
	Humidity     model.Aggregate `json:"humidity"`
	SoilMoisture model.Aggregate `json:"soil_moisture"`
	PlantHeight  model.Aggregate `json:"plant_height"`
	LeafCount    model.Aggregate `json:"leaf_count"`
	WindowHours  int             `json:"window_hours"`
}

func (a *App) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	body := statisticsBody{WindowHours: int(statisticsWindow / time.Hour)}
	if a.store == nil {
		a.writeFallback(w, r, "statistics", errNoStore, body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	since := a.now().Add(-statisticsWindow)
	targets := []struct {
		metric model.Metric
		dst    *model.Aggregate
	}{
		{model.MetricTemperature, &body.Temperature},
		{model.MetricHumidity, &body.Humidity},
		{model.MetricSoilMoisture, &body.SoilMoisture},
		{model.MetricPlantHeight, &body.PlantHeight},
		{model.MetricLeafCount, &body.LeafCount},
	}
	for _, t := range targets {
		agg, err := a.store.AggregateMetric(ctx, t.metric, since)
		if err != nil {
			a.writeFallback(w, r, "statistics", err, statisticsBody{WindowHours: body.WindowHours})
			return
		}
		*t.dst = agg
	}
	writeJSON(w, http.StatusOK, body)
}

type trendBody struct {
	Kind     model.ReadingKind `json:"kind"`
	Since    string            `json:"since"`
	Readings []model.Reading   `json:"readings"`
}

func (a *App) trend(w http.ResponseWriter, r *http.Request, kind model.ReadingKind, window time.Duration) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	since := a.now().Add(-window)
	body := trendBody{Kind: kind, Since: model.FormatTime(since), Readings: []model.Reading{}}
	if a.store == nil {
		a.writeFallback(w, r, string(kind)+" trend", errNoStore, body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := a.store.Window(ctx, kind, since)
	if err != nil {
		a.writeFallback(w, r, string(kind)+" trend", err, body)
		return
	}
	body.Readings = nonNil(rows)
	writeJSON(w, http.StatusOK, body)
}

func (a *App) handleEnvironmentTrend(w http.ResponseWriter, r *http.Request) {
	a.trend(w, r, model.KindEnvironmental, environmentWindow)
}

func (a *App) handlePlantHeightTrend(w http.ResponseWriter, r *http.Request) {
	a.trend(w, r, model.KindPlantHeight, plantHeightWindow)
}

type systemStatusBody struct {
	SoilMoisture map[string]float64 `json:"soil_moisture"`
	Temperature  *float64           `json:"temperature"`
	Humidity     *float64           `json:"humidity"`
	FanStatus    string             `json:"fan_status"`
	LightStatus  string             `json:"light_status"`
	LastUpdated  string             `json:"last_updated"`
}

func (a *App) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	body := systemStatusBody{
		SoilMoisture: map[string]float64{},
		FanStatus:    statusUnknown,
		LightStatus:  statusUnknown,
		LastUpdated:  model.FormatTime(a.now()),
	}
	if a.store == nil {
		a.writeFallback(w, r, "system status", errNoStore, body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	soil, env, err := a.latestSoilAndEnv(ctx)
	if err != nil {
		a.writeFallback(w, r, "system status", err, body)
		return
	}
	for _, s := range soil {
		body.SoilMoisture[fmt.Sprintf("sector_%d", s.SectorID)] = s.SoilMoisture
	}
	var newest *model.EnvironmentalReading
	for i := range env {
		if newest == nil || env[i].RecordedAt.After(newest.RecordedAt) {
			newest = &env[i]
		}
	}
	if newest != nil {
		body.Temperature = &newest.Temperature
		body.Humidity = &newest.Humidity
	}

	commands, err := a.store.RecentCommands(ctx, maxCommandLimit)
	if err != nil {
		a.log(r).Warn("failed to load actuator status", zap.Error(err))
	} else {
		body.FanStatus, body.LightStatus = actuatorStatus(commands)
	}
	writeJSON(w, http.StatusOK, body)
}

// actuatorStatus takes the action of the newest fan and light command.
// commands must be ordered newest first.
func actuatorStatus(commands []model.Command) (fan, light string) {
	fan, light = statusUnknown, statusUnknown
	var fanSet, lightSet bool
	for _, c := range commands {
		switch {
		case c.Type == model.CommandFan && !fanSet:
			fan, fanSet = model.NormalizeAction(c.Action), true
		case c.Type == model.CommandLight && !lightSet:
			light, lightSet = model.NormalizeAction(c.Action), true
		}
		if fanSet && lightSet {
			break
		}
	}
	return fan, light
}

type commandsBody struct {
	Commands []model.Command `json:"commands"`
	Count    int             `json:"count"`
}

func (a *App) handleRecentCommands(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	empty := commandsBody{Commands: []model.Command{}}
	if a.store == nil {
		a.writeFallback(w, r, "commands", errNoStore, empty)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	commands, err := a.store.RecentCommands(ctx, queryInt(r, "limit", defaultCommandLimit, maxCommandLimit))
	if err != nil {
		a.writeFallback(w, r, "commands", err, empty)
		return
	}
	if commands == nil {
		commands = []model.Command{}
	}
	writeJSON(w, http.StatusOK, commandsBody{Commands: commands, Count: len(commands)})
}

type devicesBody struct {
	Devices []model.DeviceRegistration `json:"devices"`
	Count   int                        `json:"count"`
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	empty := devicesBody{Devices: []model.DeviceRegistration{}}
	if a.store == nil {
		a.writeFallback(w, r, "devices", errNoStore, empty)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	devices, err := a.store.Devices(ctx)
	if err != nil {
		a.writeFallback(w, r, "devices", err, empty)
		return
	}
	if devices == nil {
		devices = []model.DeviceRegistration{}
	}
	writeJSON(w, http.StatusOK, devicesBody{Devices: devices, Count: len(devices)})
}

type ingestionErrorsBody struct {
	Errors []model.IngestionError `json:"errors"`
	Count  int                    `json:"count"`
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	empty := ingestionErrorsBody{Errors: []model.IngestionError{}}
	if a.store == nil {
		a.writeFallback(w, r, "ingestion errors", errNoStore, empty)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	list, err := a.store.RecentIngestionErrors(ctx, queryInt(r, "limit", defaultCommandLimit, maxCommandLimit))
	if err != nil {
		a.writeFallback(w, r, "ingestion errors", err, empty)
		return
	}
	writeJSON(w, http.StatusOK, ingestionErrorsBody{Errors: list, Count: len(list)})
}

// handleExportReadings serves ?kind=&format=csv|xlsx&since=RFC3339 as an attachment.
func (a *App) handleExportReadings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	kind, err := model.ParseReadingKind(q.Get("kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	since := a.now().Add(-exportWindow)
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "since: must be an RFC3339 timestamp"})
			return
		}
		since = ts
	}
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoStore.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := a.store.Window(ctx, kind, since)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	var buf bytes.Buffer
	switch format {
	case export.FormatXLSX:
		data, err := export.BuildXLSX(kind, rows)
		if err != nil {
			a.writeStoreError(w, r, err)
			return
		}
		buf.Write(data)
	default:
		if err := export.WriteCSV(&buf, kind, rows); err != nil {
			a.writeStoreError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(kind)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	a.log(r).Info("readings exported", zap.String("kind", string(kind)), zap.String("format", string(format)), zap.Int("rows", len(rows)))
}

func nonNil(rows []model.Reading) []model.Reading {
	if rows == nil {
		return []model.Reading{}
	}
	return rows
}
