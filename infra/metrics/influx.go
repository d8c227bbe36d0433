package metrics

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/ems/core/metrics"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/infra/logger"
)

// InfluxSink writes cycle, decision and device points to InfluxDB using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
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

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	if err := sink.ping(); err != nil {
		sink.log.Errorf("%v, influx sink disabled", err)
		sink.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health status: %s", health.Status)
	}
	return nil
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordCycle writes the energy snapshot and the cycle summary.
func (s *InfluxSink) RecordCycle(rec coremetrics.CycleRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := rec.Snapshot
	energy := write.NewPointWithMeasurement("energy_snapshot").
		AddTag("component", "arbitrator").
		AddField("pv_power", round3(snap.PVPower)).
		AddField("grid_power", round3(snap.GridPower)).
		AddField("battery_power", round3(snap.BatteryPower)).
		AddField("battery_soc", round3(snap.BatterySoC)).
		AddField("house_consumption", round3(snap.HouseConsumption)).
		AddField("available_power", round3(snap.AvailablePower)).
		SetTime(rec.Time)
	cycle := write.NewPointWithMeasurement("control_cycle").
		AddTag("cycle_id", rec.CycleID).
		AddTag("failed", strconv.FormatBool(rec.Failed)).
		AddField("duration_ms", round3(float64(rec.Duration.Microseconds())/1000)).
		AddField("devices", rec.Devices).
		AddField("decisions", rec.Decisions).
		AddField("switched", rec.Switched).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, energy, cycle)
}

// RecordDecisions writes one point per decision requesting a transition.
func (s *InfluxSink) RecordDecisions(recs []coremetrics.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	points := make([]*write.Point, 0, len(recs))
	for _, r := range recs {
		if r.Action == model.ActionNoChange {
			continue
		}
		points = append(points, write.NewPointWithMeasurement("device_decision").
			AddTag("device_id", r.DeviceID).
			AddTag("via", string(r.Via)).
			AddTag("priority", r.Priority.String()).
			AddTag("cycle_id", r.CycleID).
			AddField("action", r.Action.String()).
			AddField("applied", r.Applied).
			SetTime(r.Time))
	}
	if len(points) == 0 {
		return nil
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// RecordDeviceState writes a snapshot of a device.
func (s *InfluxSink) RecordDeviceState(ev coremetrics.DeviceStateEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := ev.Device
	p := write.NewPointWithMeasurement("device_state").
		AddTag("device_id", d.ID).
		AddTag("priority", d.Priority.String())
	if d.Category != "" {
		p = p.AddTag("category", d.Category)
	}
	p = p.AddField("state", d.State.String()).
		AddField("power_w", round3(d.Power)).
		AddField("runtime_min", d.CurrentRuntime).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
