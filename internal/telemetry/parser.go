package telemetry

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/model"
)

// Parser turns one raw device line into at most one frame. A nil frame means the
// line was noise, incomplete, or only updated parser state.
type Parser interface {
	Parse(line string) Frame
}

// NewParser returns the line parser for a serial-attached device class.
func NewParser(class model.DeviceClass, logger *zap.Logger) (Parser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch class {
	case model.ClassVentilation:
		return &EnvironmentalParser{SectorID: 1}, nil
	case model.ClassSoil:
		return SoilParser{}, nil
	case model.ClassLightGrowth:
		return NewLightGrowthParser(logger), nil
	}
	return nil, fmt.Errorf("no line parser for device class %q", class)
}

var (
	tempPattern     = regexp.MustCompile(`Temp:\s*([\d.]+)`)
	humidityPattern = regexp.MustCompile(`Humidity:\s*([\d.]+)`)
	fanPattern      = regexp.MustCompile(`Fan:\s*(\w+)`)
)

// EnvironmentalParser decodes "Temp: <f> ... Humidity: <f> ... Fan: <word>" lines.
type EnvironmentalParser struct {
	SectorID int
}

func (p *EnvironmentalParser) Parse(line string) Frame {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "Temp:") {
		return nil
	}

	tm := tempPattern.FindStringSubmatch(line)
	hm := humidityPattern.FindStringSubmatch(line)
	fm := fanPattern.FindStringSubmatch(line)
	if tm == nil || hm == nil || fm == nil {
		return nil
	}

	temp, err := strconv.ParseFloat(tm[1], 64)
	if err != nil {
		return nil
	}
	humidity, err := strconv.ParseFloat(hm[1], 64)
	if err != nil {
		return nil
	}

	return &EnvironmentalFrame{
		Temperature: temp,
		Humidity:    humidity,
		FanStatus:   strings.ToUpper(fm[1]),
		SectorID:    p.SectorID,
	}
}

var (
	soilAPattern   = regexp.MustCompile(`A:\s*(\d+)\s*\((\w+)\)`)
	soilBPattern   = regexp.MustCompile(`B:\s*(\d+)\s*\((\w+)\)`)
	soilCPattern   = regexp.MustCompile(`C:\s*(\d+)\s*\((\w+)\)`)
	statePattern   = regexp.MustCompile(`State:\s*(\w+)`)
	growthPattern  = regexp.MustCompile(`Growth Cycle:\s*(\d+)`)
	maxAnalogValue = 1023
)

// MoisturePercent converts a raw analog reading into percent moisture. The probe
// reads lower when wetter, so the scale is inverted.
func MoisturePercent(raw int) float64 {
	return round1(float64(maxAnalogValue-raw) / float64(maxAnalogValue) * 100)
}

// SoilParser decodes "Soil Moisture - A: <n> (<w>) | B: ... | C: ... | State: <w>" lines.
type SoilParser struct{}

func (SoilParser) Parse(line string) Frame {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "Soil Moisture -") {
		return nil
	}

	state := statePattern.FindStringSubmatch(line)
	if state == nil {
		return nil
	}

	sensors := make([]SoilSensor, 0, 3)
	for i, pattern := range []*regexp.Regexp{soilAPattern, soilBPattern, soilCPattern} {
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
		raw, err := strconv.Atoi(m[1])
		if err != nil || raw > maxAnalogValue {
			return nil
		}
		sensors = append(sensors, SoilSensor{
			RawValue:        raw,
			MoisturePercent: MoisturePercent(raw),
			Status:          m[2],
			Sector:          i + 1,
		})
	}

	growthCycle := 0
	if m := growthPattern.FindStringSubmatch(line); m != nil {
		growthCycle, _ = strconv.Atoi(m[1])
	}

	systemState := state[1]
	ledStatus := "ON"
	if systemState == "MONITORING" {
		ledStatus = "OFF"
	}

	return &SoilFrame{
		SoilSensors: SoilSensors{
			SensorA:         sensors[0],
			SensorB:         sensors[1],
			SensorC:         sensors[2],
			AverageMoisture: round1((sensors[0].MoisturePercent + sensors[1].MoisturePercent + sensors[2].MoisturePercent) / 3),
		},
		SystemState:    systemState,
		LEDStatus:      ledStatus,
		WateringNeeded: systemState == "WATERING" || systemState == "ALL_DRY",
		GrowthCycle:    growthCycle,
	}
}

var (
	lightPattern      = regexp.MustCompile(`Light:\s*(\d+)\s*\((\w+)\)`)
	timerPattern      = regexp.MustCompile(`Timer:\s*(\d+)s remaining`)
	ledPercentPattern = regexp.MustCompile(`LEDs:\s*ON\s*\((\d+)%\)`)
	plantPattern      = regexp.MustCompile(`Plant\s+(\d+):\s*([\d.]+)\s*cm\s*\((\w+)\)`)
	noReadingPattern  = regexp.MustCompile(`Plant\s+(\d+):\s*No reading`)
)

// DefaultLEDBrightness is reported when LEDs are on without an explicit percentage:
// the firmware drives them at PWM 200 of 255.
var DefaultLEDBrightness = int(math.Round(200.0 / 255.0 * 100))

// LightGrowthParser decodes the two-line light+plant protocol. It holds the pending
// halves of a frame between lines and is not safe for concurrent use.
type LightGrowthParser struct {
	logger       *zap.Logger
	pendingLight *LightSensor
	pendingPlant map[string]PlantHeight
}

// NewLightGrowthParser returns a parser with empty session state.
func NewLightGrowthParser(logger *zap.Logger) *LightGrowthParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LightGrowthParser{logger: logger}
}

// Pending reports which halves of the next frame are held.
func (p *LightGrowthParser) Pending() (light, plant bool) {
	return p.pendingLight != nil, p.pendingPlant != nil
}

// Reset discards any pending state.
func (p *LightGrowthParser) Reset() {
	p.pendingLight = nil
	p.pendingPlant = nil
}

func (p *LightGrowthParser) Parse(line string) Frame {
	line = strings.TrimSpace(line)
	if line == "" || strings.Contains(line, "===") || strings.Contains(line, "Monitoring") || strings.Contains(line, "System initialized") {
		return nil
	}

	switch {
	case strings.HasPrefix(line, "Light:"):
		p.pendingLight = parseLightLine(line)
		if p.pendingLight == nil {
			p.logger.Warn("light line did not match", zap.String("line", line))
		}
		return nil
	case strings.HasPrefix(line, "Plant"):
		p.pendingPlant = parsePlantLine(line)
		return nil
	case strings.HasPrefix(line, "---"):
		return p.emit()
	}
	return nil
}

func (p *LightGrowthParser) emit() Frame {
	if p.pendingLight == nil || p.pendingPlant == nil {
		p.logger.Warn("incomplete light growth frame",
			zap.Bool("light_data", p.pendingLight != nil),
			zap.Bool("plant_data", p.pendingPlant != nil))
		return nil
	}

	frame := &LightGrowthFrame{
		LightSensor:  *p.pendingLight,
		PlantHeights: p.pendingPlant,
		Statistics:   growthStatistics(p.pendingPlant),
	}
	p.Reset()
	return frame
}

func parseLightLine(line string) *LightSensor {
	m := lightPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	sensor := &LightSensor{LightLevel: level, LightStatus: m[2], LEDStatus: "OFF"}
	if t := timerPattern.FindStringSubmatch(line); t != nil {
		sensor.TimerRemaining, _ = strconv.Atoi(t[1])
	}

	if strings.Contains(line, "LEDs: ON") {
		sensor.LEDStatus = "ON"
		sensor.LEDBrightness = DefaultLEDBrightness
		if b := ledPercentPattern.FindStringSubmatch(line); b != nil {
			sensor.LEDBrightness, _ = strconv.Atoi(b[1])
		}
	}
	return sensor
}

// parsePlantLine returns nil when no plant entries are present.
func parsePlantLine(line string) map[string]PlantHeight {
	plants := make(map[string]PlantHeight)

	for _, m := range plantPattern.FindAllStringSubmatch(line, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		height, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil
		}
		plants[plantKey(n)] = PlantHeight{Sector: n, HeightCM: height, GrowthStage: m[3]}
	}

	for _, m := range noReadingPattern.FindAllStringSubmatch(line, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		plants[plantKey(n)] = PlantHeight{Sector: n, HeightCM: -1, GrowthStage: "No Reading"}
	}

	if len(plants) == 0 {
		return nil
	}
	return plants
}

func plantKey(n int) string {
	return "plant_" + strconv.Itoa(n)
}

func growthStatistics(plants map[string]PlantHeight) GrowthStatistics {
	stats := GrowthStatistics{TotalPlants: len(plants)}

	var sum float64
	for _, plant := range plants {
		h := plant.HeightCM
		if h <= 0 {
			continue
		}
		if stats.PlantsWithReadings == 0 || h > stats.MaxHeight {
			stats.MaxHeight = h
		}
		if stats.PlantsWithReadings == 0 || h < stats.MinHeight {
			stats.MinHeight = h
		}
		sum += h
		stats.PlantsWithReadings++
	}

	if stats.PlantsWithReadings > 0 {
		stats.AverageHeight = round1(sum / float64(stats.PlantsWithReadings))
	}
	return stats
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
