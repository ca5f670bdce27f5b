package app

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/telemetry"
)

// Defaults applied to omitted command fields.
const (
	defaultWaterSector   = 1
	defaultWaterDuration = 10
	defaultBrightness    = 100
)

// enqueue persists a validated command and fans a copy out on the commands topic.
func (a *App) enqueue(w http.ResponseWriter, r *http.Request, cmd model.Command, message string) {
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store not initialized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := a.store.Enqueue(ctx, cmd)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	cmd.ID = id
	cmd.CreatedAt = a.now().UTC()
	metrics.IncCommandEnqueued(string(cmd.Type))
	a.log(r).Info("command queued", zap.Int64("command_id", id), zap.String("command_type", string(cmd.Type)))

	a.announceCommand(r, cmd)
	writeJSON(w, http.StatusCreated, messageBody{Message: message, CommandID: id})
}

// announceCommand is best effort; relays read the store, not the topic.
func (a *App) announceCommand(r *http.Request, cmd model.Command) {
	if a.broker == nil {
		return
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	if err := a.broker.Publish(telemetry.CommandsTopic, payload); err != nil {
		a.log(r).Warn("failed to announce command", zap.Int64("command_id", cmd.ID), zap.Error(err))
	}
}

func (a *App) handleWaterPlants(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Sector   *int `json:"sector"`
		Duration *int `json:"duration"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	sector, duration := defaultWaterSector, defaultWaterDuration
	if body.Sector != nil {
		sector = *body.Sector
	}
	if body.Duration != nil {
		duration = *body.Duration
	}

	cmd, err := model.NewWateringCommand(sector, duration)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.enqueue(w, r, cmd, "Watering command queued")
}

func (a *App) handleToggleFan(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	cmd, err := model.NewFanCommand(body.Action)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.enqueue(w, r, cmd, "Fan command queued")
}

func (a *App) handleToggleLights(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Action     string `json:"action"`
		Brightness *int   `json:"brightness"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	brightness := defaultBrightness
	if body.Brightness != nil {
		brightness = *body.Brightness
	}
	cmd, err := model.NewLightCommand(body.Action, brightness)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.enqueue(w, r, cmd, "Light command queued")
}
