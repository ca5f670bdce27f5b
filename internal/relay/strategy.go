package relay

import (
	"fmt"
	"strings"

	"greenhouse/go-iot-stack/internal/model"
)

// Outcome classifies the device's answer to one dispatched command.
type Outcome string

const (
	// Acknowledged means the reply carried the expected acknowledgement.
	Acknowledged Outcome = "acknowledged"
	// Unconfirmed means no reply arrived or the reply was not recognised.
	Unconfirmed Outcome = "unconfirmed"
	// Rejected means the reply carried an INVALID or ERROR marker.
	Rejected Outcome = "rejected"
	// Skipped marks a command that can never be formatted and is passed over.
	Skipped Outcome = "skipped"
	// Failed means the command could not be written to the device.
	Failed Outcome = "failed"
)

// Strategy holds everything that differs between device classes: which command
// type is consumed, how it is rendered on the wire and what acknowledges it.
type Strategy interface {
	Class() model.DeviceClass
	CommandType() model.CommandType
	Format(cmd model.Command) (string, error)
	Acknowledges(cmd model.Command, reply string) bool
}

// StrategyFor returns the strategy for a relay-capable device class.
func StrategyFor(class model.DeviceClass) (Strategy, error) {
	switch class {
	case model.ClassSoil:
		return wateringStrategy{}, nil
	case model.ClassVentilation:
		return fanStrategy{}, nil
	case model.ClassLightGrowth:
		return lightStrategy{}, nil
	}
	return nil, fmt.Errorf("device class %q does not consume commands", class)
}

// Classify maps a reply onto an outcome. Reject markers win over acknowledgement.
func Classify(s Strategy, cmd model.Command, reply string) Outcome {
	switch {
	case reply == "":
		return Unconfirmed
	case strings.Contains(reply, "INVALID"), strings.Contains(reply, "ERROR"):
		return Rejected
	case s.Acknowledges(cmd, reply):
		return Acknowledged
	}
	return Unconfirmed
}

type wateringStrategy struct{}

func (wateringStrategy) Class() model.DeviceClass       { return model.ClassSoil }
func (wateringStrategy) CommandType() model.CommandType { return model.CommandWatering }

func (wateringStrategy) Format(cmd model.Command) (string, error) {
	if cmd.SectorID == nil {
		return "", model.Invalid("sector_id", "missing")
	}
	if cmd.Duration == nil {
		return "", model.Invalid("duration", "missing")
	}
	return fmt.Sprintf("WATER_SECTOR_%d_%d", *cmd.SectorID, *cmd.Duration), nil
}

func (wateringStrategy) Acknowledges(_ model.Command, reply string) bool {
	return strings.Contains(reply, "MANUAL_WATERING_STARTED")
}

type fanStrategy struct{}

func (fanStrategy) Class() model.DeviceClass       { return model.ClassVentilation }
func (fanStrategy) CommandType() model.CommandType { return model.CommandFan }

func (fanStrategy) Format(cmd model.Command) (string, error) {
	action := model.NormalizeAction(cmd.Action)
	if !model.ValidAction(action) {
		return "", model.Invalid("action", fmt.Sprintf("unsupported %q", cmd.Action))
	}
	return "FAN_" + action, nil
}

func (fanStrategy) Acknowledges(cmd model.Command, reply string) bool {
	return strings.Contains(reply, "FAN") && strings.Contains(reply, model.NormalizeAction(cmd.Action))
}

type lightStrategy struct{}

func (lightStrategy) Class() model.DeviceClass       { return model.ClassLightGrowth }
func (lightStrategy) CommandType() model.CommandType { return model.CommandLight }

// Format ignores the stored brightness: the lamps only switch fully on or off.
func (lightStrategy) Format(cmd model.Command) (string, error) {
	action := model.NormalizeAction(cmd.Action)
	if !model.ValidAction(action) {
		return "", model.Invalid("action", fmt.Sprintf("unsupported %q", cmd.Action))
	}
	brightness := 100
	if action == model.ActionOff {
		brightness = 0
	}
	return fmt.Sprintf("LIGHTS_%s_%d", action, brightness), nil
}

func (lightStrategy) Acknowledges(cmd model.Command, reply string) bool {
	return strings.Contains(reply, "LIGHTS") && strings.Contains(reply, model.NormalizeAction(cmd.Action))
}
