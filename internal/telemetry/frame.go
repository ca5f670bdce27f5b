package telemetry

import (
	"time"

	"greenhouse/go-iot-stack/internal/model"
)

// StampLayout matches the edge node timestamp form: naive UTC ISO-8601 with a literal Z.
const StampLayout = "2006-01-02T15:04:05.000000Z"

// Header carries the identity and generation time attached at publish time.
type Header struct {
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Location  string `json:"location"`
}

// NewHeader stamps a header with t in UTC.
func NewHeader(nodeID, location string, t time.Time) Header {
	return Header{Timestamp: t.UTC().Format(StampLayout), NodeID: nodeID, Location: location}
}

// Frame is one parsed telemetry record ready to publish.
type Frame interface {
	Class() model.DeviceClass
	Stamp(Header)
}

// EnvironmentalFrame is published by the temperature/ventilation node.
type EnvironmentalFrame struct {
	Header
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	FanStatus   string  `json:"fan_status"`
	SectorID    int     `json:"sector_id"`
}

func (f *EnvironmentalFrame) Class() model.DeviceClass { return model.ClassVentilation }
func (f *EnvironmentalFrame) Stamp(h Header)           { f.Header = h }

// SoilSensor is one analog probe of the soil node.
type SoilSensor struct {
	RawValue        int     `json:"raw_value"`
	MoisturePercent float64 `json:"moisture_percent"`
	Status          string  `json:"status"`
	Sector          int     `json:"sector"`
}

// SoilSensors groups the three probes and their mean.
type SoilSensors struct {
	SensorA         SoilSensor `json:"sensor_a"`
	SensorB         SoilSensor `json:"sensor_b"`
	SensorC         SoilSensor `json:"sensor_c"`
	AverageMoisture float64    `json:"average_moisture"`
}

// All returns the probes in sector order.
func (s SoilSensors) All() []SoilSensor {
	return []SoilSensor{s.SensorA, s.SensorB, s.SensorC}
}

// SoilFrame is published by the soil moisture node.
type SoilFrame struct {
	Header
	SoilSensors    SoilSensors `json:"soil_sensors"`
	SystemState    string      `json:"system_state"`
	LEDStatus      string      `json:"led_status"`
	WateringNeeded bool        `json:"watering_needed"`
	GrowthCycle    int         `json:"growth_cycle"`
}

func (f *SoilFrame) Class() model.DeviceClass { return model.ClassSoil }
func (f *SoilFrame) Stamp(h Header)           { f.Header = h }

// LightSensor is the pending light-line state of the light+growth node.
type LightSensor struct {
	LightLevel     int    `json:"light_level"`
	LightStatus    string `json:"light_status"`
	LEDStatus      string `json:"led_status"`
	LEDBrightness  int    `json:"led_brightness"`
	TimerRemaining int    `json:"timer_remaining"`
}

// PlantHeight is one ultrasonic sensor result. HeightCM is -1 when the sector had no reading.
type PlantHeight struct {
	Sector      int     `json:"sector"`
	HeightCM    float64 `json:"height_cm"`
	GrowthStage string  `json:"growth_stage"`
}

// GrowthStatistics summarises heights over sectors with a positive reading.
type GrowthStatistics struct {
	AverageHeight      float64 `json:"average_height"`
	MaxHeight          float64 `json:"max_height"`
	MinHeight          float64 `json:"min_height"`
	PlantsWithReadings int     `json:"plants_with_readings"`
	TotalPlants        int     `json:"total_plants"`
}

// LightGrowthFrame combines one light line and one plant line.
type LightGrowthFrame struct {
	Header
	LightSensor  LightSensor            `json:"light_sensor"`
	PlantHeights map[string]PlantHeight `json:"plant_heights"`
	Statistics   GrowthStatistics       `json:"statistics"`
}

func (f *LightGrowthFrame) Class() model.DeviceClass { return model.ClassLightGrowth }
func (f *LightGrowthFrame) Stamp(h Header)           { f.Header = h }

// LeafCountFrame carries one estimate from the leaf counting model.
type LeafCountFrame struct {
	Header
	LeafCount int `json:"leaf_count"`
}

func (f *LeafCountFrame) Class() model.DeviceClass { return model.ClassLeafCount }
func (f *LeafCountFrame) Stamp(h Header)           { f.Header = h }

// Identity is the fixed node id, location and topic of a publishing node.
type Identity struct {
	NodeID   string
	Location string
	Topic    string
}

// DefaultIdentity returns the deployed node identity for a device class.
func DefaultIdentity(c model.DeviceClass) Identity {
	switch c {
	case model.ClassSoil:
		return Identity{NodeID: "soil_moisture_node", Location: "greenhouse_section_1", Topic: "schedule_1/soil_moisture"}
	case model.ClassLightGrowth:
		return Identity{NodeID: "light_growth_node", Location: "greenhouse_section_3", Topic: "schedule_1/light_growth"}
	case model.ClassLeafCount:
		return Identity{NodeID: "leaf_count_node", Location: "greenhouse_monitoring", Topic: "schedule_1/leaf_count"}
	default:
		return Identity{NodeID: "temperature_node", Location: "greenhouse_section_2", Topic: "greenhouse/node2/temperature"}
	}
}

// CommandsTopic carries JSON copies of queued commands.
const CommandsTopic = "schedule_1/commands"
