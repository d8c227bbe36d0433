package metrics

import (
	"errors"

	"github.com/kilianp07/ems/core/factory"
	coremetrics "github.com/kilianp07/ems/core/metrics"
)

// InfluxConfig is the conf block of an "influx" sink.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	// Strict fails startup instead of falling back to a nop sink when the
	// health check does not pass.
	Strict bool `json:"strict"`
}

// Validate checks the mandatory fields.
func (c InfluxConfig) Validate() error {
	if c.URL == "" || c.Org == "" || c.Bucket == "" {
		return errors.New("influx sink: url, org and bucket are required")
	}
	return nil
}

func newInfluxFromConf(conf map[string]any) (coremetrics.MetricsSink, error) {
	var c InfluxConfig
	if err := factory.Decode(conf, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Strict {
		sink := NewInfluxSink(c.URL, c.Token, c.Org, c.Bucket)
		if err := sink.ping(); err != nil {
			sink.Close()
			return nil, err
		}
		return sink, nil
	}
	return NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket), nil
}

func init() {
	_ = coremetrics.RegisterMetricsSink("nop", func(map[string]any) (coremetrics.MetricsSink, error) {
		return coremetrics.NopSink{}, nil
	})
	// the /metrics endpoint itself is served by StartPromServer
	_ = coremetrics.RegisterMetricsSink("prometheus", func(map[string]any) (coremetrics.MetricsSink, error) {
		return NewPromSink()
	})
	_ = coremetrics.RegisterMetricsSink("influx", newInfluxFromConf)
}
