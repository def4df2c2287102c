package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/ztkent/opt300x-meter/internal/config"
)

const (
	measurementName       = "ambient_light"
	defaultPingTimeout    = 5 * time.Second
	millisecondsPerSecond = 1000
)

// InfluxSink writes readings as ambient_light points through the batching
// write API. Writes never block; failures are logged as they arrive.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      logrus.FieldLogger
}

// ConnectInflux creates the client and verifies the server is healthy.
func ConnectInflux(cfg config.InfluxDBConfig, log logrus.FieldLogger) (*InfluxSink, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb not healthy", ErrConnectionFailed)
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      log.WithField("sink", "influxdb"),
	}
	go s.logWriteErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *InfluxSink) logWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		s.log.WithError(err).Error("InfluxDB write failed")
	}
}

// HealthCheck pings the server.
func (s *InfluxSink) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

func (s *InfluxSink) Record(r Reading) error {
	s.writeAPI.WritePoint(readingPoint(r))
	return nil
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

func readingPoint(r Reading) *write.Point {
	tags := map[string]string{
		"sensor": r.Sensor,
		"part":   r.Part,
	}
	if r.JobID != "" {
		tags["job_id"] = r.JobID
	}
	return write.NewPoint(measurementName, tags,
		map[string]interface{}{
			"value":    r.Value,
			"raw":      int64(r.Raw),
			"overflow": r.Status.Overflow,
			"too_high": r.Status.TooHigh,
			"too_low":  r.Status.TooLow,
		},
		r.Time)
}
