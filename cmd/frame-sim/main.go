package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/logging"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/telemetry"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	className := flag.String("class", "ventilation", "Node class to simulate: soil, ventilation, light_growth or leaf_count")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published frames")
	jitter := flag.Float64("jitter", 0.1, "Relative random jitter applied to simulated values")
	watchCommands := flag.Bool("watch-commands", false, "Log frames published on the commands topic")
	flag.Parse()

	logger, err := logging.NewLogger("greenhouse-frame-sim", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	class, err := model.ParseDeviceClass(*className)
	if err != nil {
		logger.Fatal("invalid class", zap.Error(err))
	}
	id := telemetry.DefaultIdentity(class)
	sim := &simulator{class: class, jitter: *jitter, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	clientID := fmt.Sprintf("%s-simulator-%d", id.NodeID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("failed to connect to broker", zap.Error(token.Error()))
	}
	logger.Info("connected to MQTT broker", zap.String("broker", *brokerAddr), zap.String("client_id", clientID))

	if *watchCommands {
		token := client.Subscribe(telemetry.CommandsTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			logger.Info("command announced", zap.ByteString("payload", msg.Payload()))
		})
		if token.Wait() && token.Error() != nil {
			logger.Warn("failed to subscribe to commands", zap.Error(token.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		frame := sim.next()
		frame.Stamp(telemetry.NewHeader(id.NodeID, id.Location, time.Now()))

		data, err := json.Marshal(frame)
		if err != nil {
			logger.Error("failed to encode frame", zap.Error(err))
			return
		}

		token := client.Publish(id.Topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Warn("publish error", zap.Error(err))
			return
		}
		logger.Info("published frame", zap.String("topic", id.Topic), zap.Int("bytes", len(data)))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

type simulator struct {
	class  model.DeviceClass
	jitter float64
	rng    *rand.Rand
}

// vary returns base shifted by up to jitter*base in either direction, rounded to one decimal.
func (s *simulator) vary(base float64) float64 {
	v := base * (1 + s.jitter*(2*s.rng.Float64()-1))
	return math.Round(v*10) / 10
}

func (s *simulator) next() telemetry.Frame {
	switch s.class {
	case model.ClassSoil:
		sensor := func(sector int, base float64) telemetry.SoilSensor {
			pct := math.Max(0, math.Min(100, s.vary(base)))
			return telemetry.SoilSensor{
				RawValue:        int(math.Round((100 - pct) * 10.23)),
				MoisturePercent: pct,
				Status:          "OK",
				Sector:          sector,
			}
		}
		sensors := telemetry.SoilSensors{SensorA: sensor(1, 45), SensorB: sensor(2, 38), SensorC: sensor(3, 52)}
		sensors.AverageMoisture = math.Round((sensors.SensorA.MoisturePercent+sensors.SensorB.MoisturePercent+sensors.SensorC.MoisturePercent)/3*10) / 10
		return &telemetry.SoilFrame{SoilSensors: sensors, SystemState: "MONITORING", LEDStatus: "OFF"}
	case model.ClassLightGrowth:
		heights := map[string]telemetry.PlantHeight{}
		for sector := 1; sector <= 3; sector++ {
			heights[fmt.Sprintf("plant_%d", sector)] = telemetry.PlantHeight{Sector: sector, HeightCM: s.vary(12), GrowthStage: "vegetative"}
		}
		return &telemetry.LightGrowthFrame{
			LightSensor:  telemetry.LightSensor{LightLevel: int(s.vary(600)), LightStatus: "BRIGHT", LEDStatus: "OFF"},
			PlantHeights: heights,
		}
	case model.ClassLeafCount:
		return &telemetry.LeafCountFrame{LeafCount: int(s.vary(14))}
	default:
		return &telemetry.EnvironmentalFrame{Temperature: s.vary(24), Humidity: math.Min(100, s.vary(60)), FanStatus: "OFF", SectorID: 1}
	}
}
