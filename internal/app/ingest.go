package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bridge"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/mqttbroker"
	"greenhouse/go-iot-stack/internal/telemetry"
)

// storeReading validates r and appends it. Validation failures never reach the store.
func (a *App) storeReading(ctx context.Context, r model.Reading) error {
	if err := model.ValidateReading(r); err != nil {
		return err
	}
	if a.store == nil {
		return fmt.Errorf("store not initialized")
	}
	storeCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return a.store.AppendReading(storeCtx, r)
}

func ingestResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, model.ErrValidation):
		return metrics.ResultInvalid
	default:
		return metrics.ResultError
	}
}

// ingestFrame maps a telemetry frame onto readings and persists them in one
// transaction. It serves both the embedded broker and the AMQP consumer.
func (a *App) ingestFrame(ctx context.Context, topic string, payload []byte) error {
	started := time.Now()
	readings, err := bridge.Readings(topic, payload, a.now().UTC())
	if err == nil {
		err = a.storeReadings(ctx, readings)
	}

	kind := topic
	if len(readings) > 0 {
		kind = string(readings[0].Kind())
	}
	metrics.ObserveIngest(kind, ingestResult(err), time.Since(started))
	if err != nil {
		return fmt.Errorf("ingest %s: %w", topic, err)
	}
	return nil
}

// storeReadings validates every reading before any of them is written.
func (a *App) storeReadings(ctx context.Context, readings []model.Reading) error {
	for _, r := range readings {
		if err := model.ValidateReading(r); err != nil {
			return err
		}
	}
	if a.store == nil {
		return fmt.Errorf("store not initialized")
	}
	storeCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return a.store.AppendReadings(storeCtx, readings)
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if msg.Topic == telemetry.CommandsTopic || !bridge.Handles(msg.Topic) {
		return
	}
	if err := a.ingestFrame(ctx, msg.Topic, msg.Payload); err != nil {
		a.logger.Warn("mqtt frame rejected", zap.String("topic", msg.Topic), zap.String("client", msg.ClientID), zap.Error(err))
		a.recordIngestionError(ctx, "mqtt:"+msg.Topic, msg.Payload, err)
		return
	}
	a.logger.Debug("ingested mqtt frame", zap.String("topic", msg.Topic), zap.String("client", msg.ClientID))
}

func (a *App) recordIngestionError(ctx context.Context, source string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	entry := model.IngestionError{
		Source:  source,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}
	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", zap.Error(err))
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ingest runs build against the decoded body and persists the resulting reading.
func (a *App) ingest(w http.ResponseWriter, r *http.Request, kind model.ReadingKind, dst any, build func() (model.Reading, error), message string) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	started := time.Now()

	raw, err := decodeBody(w, r, dst)
	var reading model.Reading
	if err == nil {
		reading, err = build()
	}
	if err == nil {
		err = a.storeReading(r.Context(), reading)
	}
	metrics.ObserveIngest(string(kind), ingestResult(err), time.Since(started))

	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			a.recordIngestionError(r.Context(), "http:"+r.URL.Path, raw, err)
		}
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageBody{Message: message})
}

func required(field string, present bool) error {
	if !present {
		return model.Invalid(field, "is required")
	}
	return nil
}

func (a *App) handleTemperatureIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
		SectorID    *int     `json:"sector_id"`
	}
	a.ingest(w, r, model.KindEnvironmental, &body, func() (model.Reading, error) {
		if err := errors.Join(
			required("temperature", body.Temperature != nil),
			required("humidity", body.Humidity != nil),
			required("sector_id", body.SectorID != nil),
		); err != nil {
			return nil, err
		}
		return model.EnvironmentalReading{
			SectorID:    *body.SectorID,
			Temperature: *body.Temperature,
			Humidity:    *body.Humidity,
			RecordedAt:  a.now().UTC(),
		}, nil
	}, "Temperature data inserted successfully")
}

func (a *App) handleSoilIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SectorID     *int     `json:"sector_id"`
		RawValue     *int     `json:"raw_value"`
		SoilMoisture *float64 `json:"soil_moisture"`
		Timestamp    string   `json:"timestamp"`
	}
	a.ingest(w, r, model.KindSoil, &body, func() (model.Reading, error) {
		if err := errors.Join(
			required("sector_id", body.SectorID != nil),
			required("raw_value", body.RawValue != nil),
			required("soil_moisture", body.SoilMoisture != nil),
		); err != nil {
			return nil, err
		}
		at := a.now().UTC()
		if body.Timestamp != "" {
			ts, err := model.ParseTime(body.Timestamp)
			if err != nil {
				return nil, model.Invalid("timestamp", err.Error())
			}
			at = ts
		}
		return model.SoilReading{
			SectorID:     *body.SectorID,
			RawValue:     *body.RawValue,
			SoilMoisture: *body.SoilMoisture,
			RecordedAt:   at,
		}, nil
	}, "Soil moisture data inserted successfully")
}

func (a *App) handlePlantIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SectorID *int     `json:"sector_id"`
		HeightCM *float64 `json:"height_cm"`
	}
	a.ingest(w, r, model.KindPlantHeight, &body, func() (model.Reading, error) {
		if err := errors.Join(
			required("sector_id", body.SectorID != nil),
			required("height_cm", body.HeightCM != nil),
		); err != nil {
			return nil, err
		}
		return model.PlantHeightReading{
			SectorID:   *body.SectorID,
			HeightCM:   *body.HeightCM,
			RecordedAt: a.now().UTC(),
		}, nil
	}, "Plant height data inserted successfully")
}

func (a *App) handleLeafIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeafCount *int `json:"leaf_count"`
	}
	a.ingest(w, r, model.KindLeafCount, &body, func() (model.Reading, error) {
		if err := required("leaf_count", body.LeafCount != nil); err != nil {
			return nil, err
		}
		return model.LeafCountReading{
			SectorID:   model.LeafCountSector,
			LeafCount:  *body.LeafCount,
			RecordedAt: a.now().UTC(),
		}, nil
	}, "Leaf count data inserted successfully")
}
