package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"greenhouse/go-iot-stack/internal/model"
)

// Config lists the tunable parameters shared by the server, relay and publisher commands.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	HTTP      HTTPConfig      `yaml:"http"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Relay     RelayConfig     `yaml:"relay"`
	Publisher PublisherConfig `yaml:"publisher"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

// BrokerConfig controls the embedded MQTT broker.
type BrokerConfig struct {
	BindAddress string `yaml:"bind"`
	MDNSEnabled bool   `yaml:"mdns_enabled"`
}

type DatabaseConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig is the client side used by publishers and the frame simulator.
type MQTTConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
}

// AMQPConfig is optional; an empty URL disables the AMQP paths.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	DLQ      string `yaml:"dlq"`
}

type RelayConfig struct {
	DeviceID     string        `yaml:"device_id"`
	DeviceClass  string        `yaml:"device_class"`
	SerialPort   string        `yaml:"serial_port"`
	SerialBaud   int           `yaml:"serial_baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollLimit    int           `yaml:"poll_limit"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	AckPolicy    string        `yaml:"ack_policy"`
}

type PublisherConfig struct {
	Backend      string        `yaml:"backend"`
	ReadDelay    time.Duration `yaml:"read_delay"`
	MaxErrors    int           `yaml:"max_errors"`
	LeafInterval time.Duration `yaml:"leaf_interval"`
	LeafCommand  string        `yaml:"leaf_command"`
}

const (
	defaultServiceName     = "greenhouse-server"
	defaultLogLevel        = "info"
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDBDriver        = "sqlite"
	defaultDBDSN           = "data/greenhouse.db"
	defaultDBTimeout       = 2 * time.Second
	defaultMQTTURL         = "tcp://localhost:1883"
	defaultAMQPExchange    = "greenhouse.telemetry"
	defaultAMQPQueue       = "greenhouse.ingest"
	defaultAMQPDLQ         = "greenhouse.ingest.dlq"
	defaultSerialPort      = "/dev/ttyACM0"
	defaultSerialBaud      = 9600
	defaultPollInterval    = 3 * time.Second
	defaultPollLimit       = 5
	defaultReplyTimeout    = time.Second
	defaultAckPolicy       = "lenient"
	defaultBackend         = "mqtt"
	defaultReadDelay       = 100 * time.Millisecond
	defaultMaxErrors       = 10
	defaultLeafInterval    = 60 * time.Second
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service:  ServiceConfig{Name: defaultServiceName, LogLevel: defaultLogLevel},
		HTTP:     HTTPConfig{Port: defaultHTTPPort},
		Broker:   BrokerConfig{BindAddress: defaultMQTTBindAddress},
		Database: DatabaseConfig{Driver: defaultDBDriver, DSN: defaultDBDSN, Timeout: defaultDBTimeout},
		MQTT:     MQTTConfig{URL: defaultMQTTURL},
		AMQP:     AMQPConfig{Exchange: defaultAMQPExchange, Queue: defaultAMQPQueue, DLQ: defaultAMQPDLQ},
		Relay: RelayConfig{
			SerialPort:   defaultSerialPort,
			SerialBaud:   defaultSerialBaud,
			PollInterval: defaultPollInterval,
			PollLimit:    defaultPollLimit,
			ReplyTimeout: defaultReplyTimeout,
			AckPolicy:    defaultAckPolicy,
		},
		Publisher: PublisherConfig{
			Backend:      defaultBackend,
			ReadDelay:    defaultReadDelay,
			MaxErrors:    defaultMaxErrors,
			LeafInterval: defaultLeafInterval,
		},
	}
}

// Load builds the defaults, overlays the YAML file named by GREENHOUSE_CONFIG and
// then applies GREENHOUSE_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("GREENHOUSE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString("GREENHOUSE_SERVICE_NAME", &cfg.Service.Name)
	setString("GREENHOUSE_LOG_LEVEL", &cfg.Service.LogLevel)

	setString("GREENHOUSE_MQTT_BIND", &cfg.Broker.BindAddress)
	setString("GREENHOUSE_DB_DRIVER", &cfg.Database.Driver)
	setString("GREENHOUSE_DB_DSN", &cfg.Database.DSN)
	setString("GREENHOUSE_MQTT_URL", &cfg.MQTT.URL)
	setString("GREENHOUSE_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString("GREENHOUSE_AMQP_URL", &cfg.AMQP.URL)
	setString("GREENHOUSE_AMQP_EXCHANGE", &cfg.AMQP.Exchange)
	setString("GREENHOUSE_AMQP_QUEUE", &cfg.AMQP.Queue)
	setString("GREENHOUSE_AMQP_DLQ", &cfg.AMQP.DLQ)
	setString("GREENHOUSE_DEVICE_ID", &cfg.Relay.DeviceID)
	setString("GREENHOUSE_DEVICE_CLASS", &cfg.Relay.DeviceClass)
	setString("GREENHOUSE_SERIAL_PORT", &cfg.Relay.SerialPort)
	setString("GREENHOUSE_ACK_POLICY", &cfg.Relay.AckPolicy)
	setString("GREENHOUSE_PUBLISH_BACKEND", &cfg.Publisher.Backend)
	setString("GREENHOUSE_LEAF_COMMAND", &cfg.Publisher.LeafCommand)

	return errors.Join(
		setInt("GREENHOUSE_HTTP_PORT", &cfg.HTTP.Port),
		setBool("GREENHOUSE_MDNS_ENABLED", &cfg.Broker.MDNSEnabled),
		setDuration("GREENHOUSE_DB_TIMEOUT", &cfg.Database.Timeout),
		setInt("GREENHOUSE_SERIAL_BAUD", &cfg.Relay.SerialBaud),
		setDuration("GREENHOUSE_POLL_INTERVAL", &cfg.Relay.PollInterval),
		setInt("GREENHOUSE_POLL_LIMIT", &cfg.Relay.PollLimit),
		setDuration("GREENHOUSE_REPLY_TIMEOUT", &cfg.Relay.ReplyTimeout),
		setDuration("GREENHOUSE_READ_DELAY", &cfg.Publisher.ReadDelay),
		setInt("GREENHOUSE_MAX_ERRORS", &cfg.Publisher.MaxErrors),
		setDuration("GREENHOUSE_LEAF_INTERVAL", &cfg.Publisher.LeafInterval),
	)
}

// Validate rejects unknown enumerations and non-positive intervals.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database driver %q must be sqlite or postgres", c.Database.Driver))
	}
	switch strings.ToLower(c.Relay.AckPolicy) {
	case "", "lenient", "strict":
	default:
		errs = append(errs, fmt.Errorf("ack policy %q must be lenient or strict", c.Relay.AckPolicy))
	}
	switch c.Publisher.Backend {
	case "mqtt", "amqp":
	default:
		errs = append(errs, fmt.Errorf("publish backend %q must be mqtt or amqp", c.Publisher.Backend))
	}
	if c.Relay.DeviceClass != "" {
		if _, err := model.ParseDeviceClass(c.Relay.DeviceClass); err != nil {
			errs = append(errs, err)
		}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTP.Port))
	}
	for name, d := range map[string]time.Duration{
		"database timeout": c.Database.Timeout,
		"poll interval":    c.Relay.PollInterval,
		"reply timeout":    c.Relay.ReplyTimeout,
		"leaf interval":    c.Publisher.LeafInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Relay.PollLimit <= 0 {
		errs = append(errs, fmt.Errorf("poll limit must be positive"))
	}
	return errors.Join(errs...)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
