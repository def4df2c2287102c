package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ztkent/opt300x-meter/internal/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 2 * time.Minute
)

// MQTTSink publishes readings to <prefix>/<sensor>/reading and keeps a
// retained online/offline message on <prefix>/<sensor>/status.
type MQTTSink struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	sensor string
	log    logrus.FieldLogger

	connected bool
	mu        sync.RWMutex
}

// ConnectMQTT connects to the broker and announces the sensor as online.
func ConnectMQTT(cfg config.MQTTConfig, sensor string, log logrus.FieldLogger) (*MQTTSink, error) {
	s := &MQTTSink{cfg: cfg, sensor: sensor, log: log.WithField("sink", "mqtt")}

	opts := s.clientOptions()
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		s.setConnected(true)
		c.Publish(s.StatusTopic(), byte(cfg.QoS), true, statusPayload(sensor, "online", time.Now()))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.setConnected(false)
		s.log.WithError(err).Warn("MQTT connection lost")
	})

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.setConnected(true)
	return s, nil
}

func (s *MQTTSink) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if strings.HasPrefix(s.cfg.Broker, "ssl://") || strings.HasPrefix(s.cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// the broker marks the sensor offline if we vanish
	opts.SetWill(s.StatusTopic(), string(statusPayload(s.sensor, "offline", time.Now())), 1, true)
	return opts
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// IsConnected reports the last known connection state.
func (s *MQTTSink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (s *MQTTSink) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (s *MQTTSink) ReadingTopic() string { return readingTopic(s.cfg.TopicPrefix, s.sensor) }
func (s *MQTTSink) StatusTopic() string  { return statusTopic(s.cfg.TopicPrefix, s.sensor) }

// Record publishes the reading and waits for the broker acknowledgement.
func (s *MQTTSink) Record(r Reading) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	payload, err := readingPayload(r)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.ReadingTopic(), byte(s.cfg.QoS), false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout publishing to %s", ErrPublishFailed, s.ReadingTopic())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes the offline status and disconnects.
func (s *MQTTSink) Close() error {
	if s.client == nil {
		return nil
	}
	if s.IsConnected() {
		token := s.client.Publish(s.StatusTopic(), byte(s.cfg.QoS), true, statusPayload(s.sensor, "offline", time.Now()))
		token.WaitTimeout(defaultPublishTimeout)
	}
	s.setConnected(false)
	s.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func readingTopic(prefix, sensor string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + sensor + "/reading"
}

func statusTopic(prefix, sensor string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + sensor + "/status"
}

type readingMessage struct {
	JobID     string  `json:"job_id,omitempty"`
	Sensor    string  `json:"sensor"`
	Part      string  `json:"part"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Raw       uint16  `json:"raw"`
	Exponent  uint8   `json:"exponent"`
	Mantissa  uint16  `json:"mantissa"`
	Overflow  bool    `json:"overflow"`
	TooHigh   bool    `json:"too_high"`
	TooLow    bool    `json:"too_low"`
	Timestamp string  `json:"timestamp"`
}

func readingPayload(r Reading) ([]byte, error) {
	return json.Marshal(readingMessage{
		JobID:     r.JobID,
		Sensor:    r.Sensor,
		Part:      r.Part,
		Value:     r.Value,
		Unit:      r.Unit,
		Raw:       uint16(r.Raw),
		Exponent:  r.Raw.Exponent(),
		Mantissa:  r.Raw.Mantissa(),
		Overflow:  r.Status.Overflow,
		TooHigh:   r.Status.TooHigh,
		TooLow:    r.Status.TooLow,
		Timestamp: r.Time.UTC().Format(time.RFC3339),
	})
}

func statusPayload(sensor, status string, at time.Time) []byte {
	return []byte(fmt.Sprintf(`{"status":%q,"sensor":%q,"timestamp":%q}`, status, sensor, at.UTC().Format(time.RFC3339)))
}
