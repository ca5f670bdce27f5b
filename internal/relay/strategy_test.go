package relay

import (
	"errors"
	"testing"

	"greenhouse/go-iot-stack/internal/model"
)

func intp(v int) *int { return &v }

func TestFormat(t *testing.T) {
	cases := []struct {
		name  string
		class model.DeviceClass
		cmd   model.Command
		want  string
	}{
		{"watering", model.ClassSoil, model.Command{SectorID: intp(2), Duration: intp(15)}, "WATER_SECTOR_2_15"},
		{"fan on", model.ClassVentilation, model.Command{Action: "on"}, "FAN_ON"},
		{"fan empty is auto", model.ClassVentilation, model.Command{}, "FAN_AUTO"},
		{"lights off ignores brightness", model.ClassLightGrowth, model.Command{Action: "OFF", Brightness: intp(70)}, "LIGHTS_OFF_0"},
		{"lights on is full", model.ClassLightGrowth, model.Command{Action: "ON", Brightness: intp(30)}, "LIGHTS_ON_100"},
		{"lights auto", model.ClassLightGrowth, model.Command{Action: "AUTO"}, "LIGHTS_AUTO_100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := StrategyFor(tc.class)
			if err != nil {
				t.Fatalf("strategy: %v", err)
			}
			got, err := s.Format(tc.cmd)
			if err != nil {
				t.Fatalf("format: %v", err)
			}
			if got != tc.want {
				t.Fatalf("format = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatRejectsMalformed(t *testing.T) {
	s, _ := StrategyFor(model.ClassSoil)
	if _, err := s.Format(model.Command{Duration: intp(5)}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("missing sector: %v", err)
	}

	fan, _ := StrategyFor(model.ClassVentilation)
	if _, err := fan.Format(model.Command{Action: "SPIN"}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestClassify(t *testing.T) {
	water, _ := StrategyFor(model.ClassSoil)
	fan, _ := StrategyFor(model.ClassVentilation)
	light, _ := StrategyFor(model.ClassLightGrowth)

	cases := []struct {
		name  string
		s     Strategy
		cmd   model.Command
		reply string
		want  Outcome
	}{
		{"silence", water, model.Command{}, "", Unconfirmed},
		{"watering ack", water, model.Command{}, "MANUAL_WATERING_STARTED sector=1", Acknowledged},
		{"invalid", water, model.Command{}, "INVALID_SECTOR", Rejected},
		{"error wins over ack", water, model.Command{}, "MANUAL_WATERING_STARTED ERROR", Rejected},
		{"unrelated", water, model.Command{}, "Soil Moisture - A: 400", Unconfirmed},
		{"fan ack", fan, model.Command{Action: "OFF"}, "FAN_OFF", Acknowledged},
		{"fan other action", fan, model.Command{Action: "ON"}, "FAN_OFF", Unconfirmed},
		{"lights ack", light, model.Command{Action: "AUTO"}, "LIGHTS set AUTO", Acknowledged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.s, tc.cmd, tc.reply); got != tc.want {
				t.Fatalf("classify(%q) = %s, want %s", tc.reply, got, tc.want)
			}
		})
	}
}
