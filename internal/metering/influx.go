package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushMs        = 10000
)

// ErrConnectionFailed is returned when the server cannot be reached.
var ErrConnectionFailed = errors.New("influxdb connection failed")

// Config selects the InfluxDB server and bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxWriter writes points through the non-blocking, batching write API.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect creates the client and verifies the server is healthy.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*InfluxWriter, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushMs))

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	errs := w.writeAPI.Errors()
	go func() {
		for err := range errs {
			log.Warn().Err(err).Str("component", "metering").Msg("influxdb write failed")
		}
	}()
	return w, nil
}

// Write queues p for the next batch.
func (w *InfluxWriter) Write(p Point) {
	w.writeAPI.WritePoint(write.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time))
}

// Close flushes pending points and closes the client.
func (w *InfluxWriter) Close() error {
	w.writeAPI.Flush()
	w.client.Close()
	return nil
}
