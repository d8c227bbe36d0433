package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kilianp07/ems/core/events"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

// DecisionPublisher mirrors bus events onto MQTT:
//
//	<prefix>/decisions/<device>  one message per transition
//	<prefix>/cycle               retained cycle summary
type DecisionPublisher struct {
	conn   Conn
	prefix string
	qos    byte
	log    logger.Logger
}

// NewDecisionPublisher creates a publisher below prefix (default "ems").
func NewDecisionPublisher(conn Conn, mqttCfg Config, prefix string, log logger.Logger) *DecisionPublisher {
	if prefix == "" {
		prefix = "ems"
	}
	return &DecisionPublisher{conn: conn, prefix: prefix, qos: mqttCfg.qos("decision"), log: logger.OrNop(log)}
}

type decisionMessage struct {
	CycleID  string         `json:"cycle_id"`
	Time     time.Time      `json:"time"`
	Decision model.Decision `json:"decision"`
	Applied  bool           `json:"applied"`
	Error    string         `json:"error,omitempty"`
}

type cycleMessage struct {
	CycleID    string               `json:"cycle_id"`
	Time       time.Time            `json:"time"`
	Snapshot   model.EnergySnapshot `json:"snapshot"`
	Changes    int                  `json:"changes"`
	DurationMS int64                `json:"duration_ms"`
	Error      string               `json:"error,omitempty"`
}

// Run publishes events from sub until ctx is done or sub is closed.
func (p *DecisionPublisher) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := p.Handle(ev); err != nil {
				p.log.Errorf("publish event: %v", err)
			}
		}
	}
}

// Handle publishes a single event.
func (p *DecisionPublisher) Handle(ev events.Event) error {
	switch e := ev.(type) {
	case events.DecisionEvent:
		msg := decisionMessage{CycleID: e.CycleID, Time: e.Time, Decision: e.Decision, Applied: e.Applied}
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		return p.publish(p.prefix+"/decisions/"+e.Decision.DeviceID, false, msg)
	case events.CycleEvent:
		msg := cycleMessage{CycleID: e.CycleID, Time: e.Time, Snapshot: e.Snapshot, DurationMS: e.Duration.Milliseconds()}
		for _, d := range e.Decisions {
			if d.Changes() {
				msg.Changes++
			}
		}
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		return p.publish(p.prefix+"/cycle", true, msg)
	default:
		return nil
	}
}

func (p *DecisionPublisher) publish(topic string, retained bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.conn.Publish(topic, p.qos, retained, b)
}
