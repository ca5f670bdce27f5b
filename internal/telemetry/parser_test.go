package telemetry

import (
	"encoding/json"
	"testing"

	"greenhouse/go-iot-stack/internal/model"
)

func TestMoisturePercent(t *testing.T) {
	cases := map[int]float64{
		850:  16.9,
		0:    100.0,
		1023: 0.0,
		512:  50.0,
	}
	for raw, want := range cases {
		if got := MoisturePercent(raw); got != want {
			t.Fatalf("MoisturePercent(%d) = %v, want %v", raw, got, want)
		}
	}
}

func TestSoilParserFullLine(t *testing.T) {
	line := "Soil Moisture - A: 850 (DRY) | B: 0 (WET) | C: 1023 (DRY) | State: WATERING | Growth Cycle: 4"
	frame, ok := SoilParser{}.Parse(line).(*SoilFrame)
	if !ok {
		t.Fatalf("expected soil frame")
	}

	s := frame.SoilSensors
	if s.SensorA.MoisturePercent != 16.9 || s.SensorB.MoisturePercent != 100.0 || s.SensorC.MoisturePercent != 0.0 {
		t.Fatalf("unexpected percents: %+v", s)
	}
	if s.SensorA.Status != "DRY" || s.SensorB.Sector != 2 || s.SensorC.RawValue != 1023 {
		t.Fatalf("unexpected sensor fields: %+v", s)
	}
	if s.AverageMoisture != 39.0 {
		t.Fatalf("average = %v, want 39.0", s.AverageMoisture)
	}
	if !frame.WateringNeeded || frame.LEDStatus != "ON" || frame.GrowthCycle != 4 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestSoilParserDefaultsAndDrops(t *testing.T) {
	frame, ok := SoilParser{}.Parse("Soil Moisture - A: 500 (OK) | B: 500 (OK) | C: 500 (OK) | State: MONITORING").(*SoilFrame)
	if !ok {
		t.Fatalf("expected soil frame")
	}
	if frame.GrowthCycle != 0 || frame.WateringNeeded || frame.LEDStatus != "OFF" {
		t.Fatalf("unexpected defaults: %+v", frame)
	}

	drops := []string{
		"",
		"Soil Moisture - A: 500 (OK) | B: 500 (OK) | State: IDLE",
		"Soil Moisture - A: 500 (OK) | B: 500 (OK) | C: 500 (OK)",
		"Soil Moisture - A: 2048 (OK) | B: 500 (OK) | C: 500 (OK) | State: IDLE",
		"A: 500 (OK) | B: 500 (OK) | C: 500 (OK) | State: IDLE",
	}
	for _, line := range drops {
		if f := (SoilParser{}).Parse(line); f != nil {
			t.Fatalf("expected drop for %q, got %+v", line, f)
		}
	}
}

func TestSoilParserAllDryNeedsWater(t *testing.T) {
	frame := SoilParser{}.Parse("Soil Moisture - A: 1000 (DRY) | B: 1000 (DRY) | C: 1000 (DRY) | State: ALL_DRY").(*SoilFrame)
	if !frame.WateringNeeded {
		t.Fatalf("ALL_DRY must need watering")
	}
}

func TestEnvironmentalParser(t *testing.T) {
	p := &EnvironmentalParser{SectorID: 1}

	frame, ok := p.Parse("Temp: 25.3C | Humidity: 61.2% | Fan: off").(*EnvironmentalFrame)
	if !ok {
		t.Fatalf("expected environmental frame")
	}
	if frame.Temperature != 25.3 || frame.Humidity != 61.2 || frame.FanStatus != "OFF" || frame.SectorID != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	for _, line := range []string{"Temp: 25.3C | Humidity: 61.2%", "Humidity: 61.2% | Fan: ON", "System ready"} {
		if f := p.Parse(line); f != nil {
			t.Fatalf("expected drop for %q", line)
		}
	}
}

func TestParseLightLine(t *testing.T) {
	got := parseLightLine("Light: 25 (DARK) | LEDs: ON (78%)")
	want := LightSensor{LightLevel: 25, LightStatus: "DARK", LEDStatus: "ON", LEDBrightness: 78, TimerRemaining: 0}
	if got == nil || *got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	got = parseLightLine("Light: 25 (DARK) | LEDs: ON")
	if got == nil || got.LEDBrightness != 78 {
		t.Fatalf("default brightness: got %+v", got)
	}

	got = parseLightLine("Light: 25 (DARK) - Timer: 15s remaining | LEDs: OFF")
	if got == nil || got.TimerRemaining != 15 || got.LEDStatus != "OFF" || got.LEDBrightness != 0 {
		t.Fatalf("timer line: got %+v", got)
	}

	if parseLightLine("Light: bright") != nil {
		t.Fatalf("expected nil for unmatched light line")
	}
}

func TestParsePlantLine(t *testing.T) {
	plants := parsePlantLine("Plant 1: 12.5 cm (Vegetative) | Plant 2: No reading")
	if len(plants) != 2 {
		t.Fatalf("plants = %+v", plants)
	}
	if p := plants["plant_1"]; p.HeightCM != 12.5 || p.GrowthStage != "Vegetative" || p.Sector != 1 {
		t.Fatalf("plant_1 = %+v", p)
	}
	if p := plants["plant_2"]; p.HeightCM != -1 || p.GrowthStage != "No Reading" {
		t.Fatalf("plant_2 = %+v", p)
	}
	if parsePlantLine("Plant sensors warming up") != nil {
		t.Fatalf("expected nil for a plant line without entries")
	}
}

func TestLightGrowthParserEmitsCombinedFrame(t *testing.T) {
	p := NewLightGrowthParser(nil)

	lines := []string{
		"=== Light & Growth Node ===",
		"Light: 25 (DARK) | LEDs: ON (78%)",
		"Plant 1: 12.5 cm (Vegetative) | Plant 2: 8.3 cm (Seedling) | Plant 3: No reading",
	}
	for _, line := range lines {
		if f := p.Parse(line); f != nil {
			t.Fatalf("unexpected frame for %q", line)
		}
	}

	frame, ok := p.Parse("----------------------------------------").(*LightGrowthFrame)
	if !ok {
		t.Fatalf("expected combined frame")
	}
	stats := frame.Statistics
	if stats.PlantsWithReadings != 2 || stats.TotalPlants != 3 || stats.MaxHeight != 12.5 || stats.MinHeight != 8.3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AverageHeight != 10.4 {
		t.Fatalf("average = %v, want 10.4", stats.AverageHeight)
	}
	if light, plant := p.Pending(); light || plant {
		t.Fatalf("pending state must clear after emission")
	}
}

func TestLightGrowthParserIncompleteSeparatorKeepsState(t *testing.T) {
	p := NewLightGrowthParser(nil)

	p.Parse("Light: 40 (BRIGHT) | LEDs: OFF")
	if f := p.Parse("---"); f != nil {
		t.Fatalf("separator without plant line must not emit")
	}
	if light, plant := p.Pending(); !light || plant {
		t.Fatalf("light state must persist, got light=%v plant=%v", light, plant)
	}

	p.Parse("Plant 1: 3.0 cm (Seedling)")
	frame, ok := p.Parse("---").(*LightGrowthFrame)
	if !ok {
		t.Fatalf("expected frame once both halves are present")
	}
	if frame.LightSensor.LightLevel != 40 {
		t.Fatalf("light data lost: %+v", frame.LightSensor)
	}
}

func TestLightGrowthParserNoValidHeights(t *testing.T) {
	p := NewLightGrowthParser(nil)
	p.Parse("Light: 10 (DARK) | LEDs: ON")
	p.Parse("Plant 1: No reading | Plant 2: No reading")

	frame := p.Parse("---").(*LightGrowthFrame)
	want := GrowthStatistics{TotalPlants: 2}
	if frame.Statistics != want {
		t.Fatalf("stats = %+v, want %+v", frame.Statistics, want)
	}
}

func TestFrameJSONShape(t *testing.T) {
	frame := &EnvironmentalFrame{Temperature: 21.5, Humidity: 40, FanStatus: "ON", SectorID: 1}
	frame.Stamp(Header{Timestamp: "2024-05-01T10:00:00.000000Z", NodeID: "temperature_node", Location: "greenhouse_section_2"})

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"timestamp", "node_id", "location", "temperature", "humidity", "fan_status", "sector_id"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("missing key %q in %s", key, data)
		}
	}
}

func TestNewParserRejectsLeafCount(t *testing.T) {
	if _, err := NewParser(model.ClassLeafCount, nil); err == nil {
		t.Fatalf("leaf count nodes have no serial line protocol")
	}
}
