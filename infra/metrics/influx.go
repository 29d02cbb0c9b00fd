package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/voltwise/autopilot/core/metrics"
	"github.com/voltwise/autopilot/infra/logger"
)

// InfluxSink writes engine activity to an InfluxDB instance.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails, so a down Influx never blocks the
// evaluation loop.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordActions writes each action as a point.
func (s *InfluxSink) RecordActions(records []coremetrics.ActionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range records {
		p := write.NewPointWithMeasurement("autopilot_action").
			AddTag("home_id", r.HomeID).
			AddTag("appliance_id", r.ApplianceID).
			AddTag("action", string(r.Action)).
			AddTag("guard", r.Guard).
			AddTag("acknowledged", strconv.FormatBool(r.Acknowledged)).
			AddField("penalty", round3(r.Penalty)).
			AddField("latency_ms", float64(r.Latency.Milliseconds())).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordTick writes the cycle summary.
func (s *InfluxSink) RecordTick(rec coremetrics.TickRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("autopilot_tick").
		AddField("homes", rec.Homes).
		AddField("appliances", rec.Appliances).
		AddField("actions", rec.Actions).
		AddField("failures", rec.Failures).
		AddField("duration_ms", float64(rec.Duration.Milliseconds())).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordGridEvent writes a grid event the engine reacted to.
func (s *InfluxSink) RecordGridEvent(rec coremetrics.GridEventRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("grid_event").
		AddTag("discom_id", rec.DiscomID).
		AddTag("event_type", rec.EventType).
		AddTag("severity", string(rec.Severity)).
		AddField("count", 1).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
