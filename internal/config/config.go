package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/ztkent/opt300x-meter/opt300x"
)

// Config is the root configuration of the light meter.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Sensor   SensorConfig   `yaml:"sensor"`
	Meter    MeterConfig    `yaml:"meter"`
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SensorConfig selects the part, its bus and its initial register settings.
type SensorConfig struct {
	Bus  string `yaml:"bus"`  // e.g. /dev/i2c-1
	Part string `yaml:"part"` // OPT3001, OPT3002, OPT3004, OPT3006, OPT3007
	// Address is the 7 bit I2C address, 0x44-0x47. Ignored by the OPT3007.
	Address        uint16  `yaml:"address"`
	ConversionTime string  `yaml:"conversion_time"` // "100ms" or "800ms"
	FaultCount     int     `yaml:"fault_count"`     // 1, 2, 4 or 8
	Polarity       string  `yaml:"polarity"`        // "active-low" or "active-high"
	ComparisonMode string  `yaml:"comparison_mode"` // "latched-window" or "transparent-hysteresis"
	LowLimit       float64 `yaml:"low_limit"`
	HighLimit      float64 `yaml:"high_limit"`
}

// MeterConfig controls recording jobs.
type MeterConfig struct {
	DBPath         string        `yaml:"db_path"`
	RecordInterval time.Duration `yaml:"record_interval"`
	MaxJobDuration time.Duration `yaml:"max_job_duration"`
	// Timezone the dashboard date pickers are interpreted in.
	Timezone string `yaml:"timezone"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTConfig contains MQTT broker settings for the reading sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB settings for the reading sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the configuration at path. An empty path yields the defaults.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Bus:            opt300x.DefaultBusPath,
			Part:           opt300x.OPT3001.Name,
			Address:        opt300x.OPT300X_ADDR,
			ConversionTime: opt300x.ConversionTime800ms.String(),
			FaultCount:     1,
			Polarity:       opt300x.PolarityActiveLow.String(),
			ComparisonMode: opt300x.LatchedWindow.String(),
			LowLimit:       0,
			HighLimit:      opt300x.MAX_LUX,
		},
		Meter: MeterConfig{
			DBPath:         "opt300xmeter.db",
			RecordInterval: 30 * time.Second,
			MaxJobDuration: 8 * time.Hour,
			Timezone:       "America/Indiana/Indianapolis",
		},
		Server: ServerConfig{
			Port:     80,
			CertFile: "cert.pem",
			KeyFile:  "key.pem",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "opt300x-meter",
			TopicPrefix: "opt300x",
			QoS:         1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "light",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "opt300xmeter.log",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPT300X_BUS"); v != "" {
		cfg.Sensor.Bus = v
	}
	if v := os.Getenv("OPT300X_PART"); v != "" {
		cfg.Sensor.Part = v
	}
	if v := os.Getenv("OPT300X_DB"); v != "" {
		cfg.Meter.DBPath = v
	}
	if v := os.Getenv("OPT300X_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SSL"); v != "" {
		cfg.Server.SSL = strings.EqualFold(v, "true")
		if cfg.Server.SSL && cfg.Server.Port == 80 {
			cfg.Server.Port = 443
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPT300X_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("OPT300X_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	part, err := opt300x.ParsePart(c.Sensor.Part)
	if err != nil {
		errs = append(errs, "sensor.part: "+err.Error())
	}
	if c.Sensor.Bus == "" {
		errs = append(errs, "sensor.bus is required")
	}
	if !part.HasFixedAddress() {
		if _, err := opt300x.SlaveAddrFrom(c.Sensor.Address); err != nil {
			errs = append(errs, "sensor.address must be between 0x44 and 0x47")
		}
	}
	if _, err := c.Sensor.SensorConversionTime(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Sensor.SensorFaultCount(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Sensor.SensorPolarity(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Sensor.SensorComparisonMode(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Sensor.LowLimit > c.Sensor.HighLimit {
		errs = append(errs, "sensor.low_limit must not exceed sensor.high_limit")
	}

	if c.Meter.DBPath == "" {
		errs = append(errs, "meter.db_path is required")
	}
	if c.Meter.RecordInterval <= 0 {
		errs = append(errs, "meter.record_interval must be positive")
	}
	if c.Meter.MaxJobDuration <= 0 {
		errs = append(errs, "meter.max_job_duration must be positive")
	}
	if _, err := time.LoadLocation(c.Meter.Timezone); err != nil {
		errs = append(errs, "meter.timezone: "+err.Error())
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SensorPart returns the configured part.
func (s SensorConfig) SensorPart() (opt300x.Part, error) {
	return opt300x.ParsePart(s.Part)
}

// SensorAddress returns the ADDR pin setting for the configured address.
func (s SensorConfig) SensorAddress() (opt300x.SlaveAddr, error) {
	return opt300x.SlaveAddrFrom(s.Address)
}

func (s SensorConfig) SensorConversionTime() (opt300x.ConversionTime, error) {
	ct, err := opt300x.ParseConversionTime(s.ConversionTime)
	if err != nil {
		return 0, fmt.Errorf("sensor.conversion_time: %w", err)
	}
	return ct, nil
}

func (s SensorConfig) SensorPolarity() (opt300x.Polarity, error) {
	p, err := opt300x.ParsePolarity(s.Polarity)
	if err != nil {
		return 0, fmt.Errorf("sensor.polarity: %w", err)
	}
	return p, nil
}

func (s SensorConfig) SensorComparisonMode() (opt300x.ComparisonMode, error) {
	m, err := opt300x.ParseComparisonMode(s.ComparisonMode)
	if err != nil {
		return 0, fmt.Errorf("sensor.comparison_mode: %w", err)
	}
	return m, nil
}

// SensorFaultCount returns the configured fault count.
func (s SensorConfig) SensorFaultCount() (opt300x.FaultCount, error) {
	fc, err := opt300x.ParseFaultCount(s.FaultCount)
	if err != nil {
		return 0, fmt.Errorf("sensor.fault_count: %w", err)
	}
	return fc, nil
}
