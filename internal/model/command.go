package model

import (
	"fmt"
	"strings"
	"time"
)

// CommandType is the class of work a command carries.
type CommandType string

const (
	CommandWatering CommandType = "MANUAL_WATERING"
	CommandFan      CommandType = "FAN_CONTROL"
	CommandLight    CommandType = "LIGHT_CONTROL"
)

// CommandStatus is set by the enqueuing side. Only SUCCESS rows are visible to relays.
type CommandStatus string

const (
	StatusSuccess CommandStatus = "SUCCESS"
	StatusPending CommandStatus = "PENDING"
	StatusFailed  CommandStatus = "FAILED"
)

// Actuator actions accepted for fan and light commands.
const (
	ActionOn   = "ON"
	ActionOff  = "OFF"
	ActionAuto = "AUTO"
)

// Command is one immutable entry of the command log.
type Command struct {
	ID         int64         `json:"id"`
	Type       CommandType   `json:"command_type"`
	SectorID   *int          `json:"sector_id,omitempty"`
	Duration   *int          `json:"duration,omitempty"`
	Action     string        `json:"action,omitempty"`
	Brightness *int          `json:"brightness,omitempty"`
	Status     CommandStatus `json:"status"`
	CreatedAt  time.Time     `json:"timestamp"`
}

// NormalizeAction upper-cases an action and maps the empty value to AUTO.
func NormalizeAction(action string) string {
	a := strings.ToUpper(strings.TrimSpace(action))
	if a == "" {
		return ActionAuto
	}
	return a
}

// ValidAction reports whether action is one of on, off or auto (any case).
func ValidAction(action string) bool {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case ActionOn, ActionOff, ActionAuto:
		return true
	}
	return false
}

// Watering bounds in seconds.
const (
	MinWateringSeconds = 1
	MaxWateringSeconds = 60
)

// NewWateringCommand validates and builds a queued watering command.
func NewWateringCommand(sector, duration int) (Command, error) {
	if !ValidSector(sector) {
		return Command{}, Invalid("sector", fmt.Sprintf("must be between %d and %d", MinSector, MaxSector))
	}
	if duration < MinWateringSeconds || duration > MaxWateringSeconds {
		return Command{}, Invalid("duration", fmt.Sprintf("must be between %d and %d seconds", MinWateringSeconds, MaxWateringSeconds))
	}
	return Command{Type: CommandWatering, SectorID: &sector, Duration: &duration, Status: StatusSuccess}, nil
}

// NewFanCommand validates and builds a queued fan command.
func NewFanCommand(action string) (Command, error) {
	if !ValidAction(action) {
		return Command{}, Invalid("action", "must be one of on, off, auto")
	}
	return Command{Type: CommandFan, Action: NormalizeAction(action), Status: StatusSuccess}, nil
}

// NewLightCommand validates and builds a queued light command.
func NewLightCommand(action string, brightness int) (Command, error) {
	if !ValidAction(action) {
		return Command{}, Invalid("action", "must be one of on, off, auto")
	}
	if brightness < 0 || brightness > 100 {
		return Command{}, Invalid("brightness", "must be between 0 and 100")
	}
	return Command{Type: CommandLight, Action: NormalizeAction(action), Brightness: &brightness, Status: StatusSuccess}, nil
}

// DeviceClass identifies the kind of edge node a relay or publisher serves.
type DeviceClass string

const (
	ClassSoil        DeviceClass = "soil"
	ClassVentilation DeviceClass = "ventilation"
	ClassLightGrowth DeviceClass = "light_growth"
	ClassLeafCount   DeviceClass = "leaf_count"
)

// ParseDeviceClass accepts the class names used in configuration.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch c := DeviceClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassSoil, ClassVentilation, ClassLightGrowth, ClassLeafCount:
		return c, nil
	}
	return "", fmt.Errorf("unknown device class %q", s)
}

// CommandTypeFor returns the command class a relay of the given device class consumes.
func CommandTypeFor(c DeviceClass) (CommandType, bool) {
	switch c {
	case ClassSoil:
		return CommandWatering, true
	case ClassVentilation:
		return CommandFan, true
	case ClassLightGrowth:
		return CommandLight, true
	}
	return "", false
}

// Device liveness values.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// DeviceRegistration is the persisted state of one edge listener.
type DeviceRegistration struct {
	DeviceID      string      `json:"device_id"`
	Class         DeviceClass `json:"node_type"`
	LastCommandID int64       `json:"last_command_id"`
	LastSeen      time.Time   `json:"last_seen"`
	Status        string      `json:"status"`
	SerialPort    string      `json:"serial_port,omitempty"`
}
