package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

// Conn is the part of Client used by the relay controller, the energy
// subscriber and the decision publisher.
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, h paho.MessageHandler) error
}

// RelayConfig selects the relay topics. Both topics contain a single %s
// placeholder for the relay id.
type RelayConfig struct {
	CommandTopic string        `json:"command_topic"`
	StateTopic   string        `json:"state_topic"`
	StaleAfter   time.Duration `json:"stale_after"`
}

// SetDefaults applies the Shelly Gen1 topic layout.
func (c *RelayConfig) SetDefaults() {
	if c.CommandTopic == "" {
		c.CommandTopic = "shellies/%s/relay/0/command"
	}
	if c.StateTopic == "" {
		c.StateTopic = "shellies/%s/relay/0"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

type relayState struct {
	on bool
	at time.Time
}

// DeviceLookup resolves a device id to its definition.
type DeviceLookup func(id string) (model.Device, bool)

// RelayController switches devices through MQTT relays and caches the
// last reported relay state.
type RelayController struct {
	conn   Conn
	cfg    RelayConfig
	qos    Config
	lookup DeviceLookup
	clock  clock.Clock
	log    logger.Logger

	mu     sync.RWMutex
	states map[string]relayState
}

// NewRelayController subscribes to the state topic of every relay.
func NewRelayController(conn Conn, mqttCfg Config, cfg RelayConfig, lookup DeviceLookup, clk clock.Clock, log logger.Logger) (*RelayController, error) {
	cfg.SetDefaults()
	if strings.Count(cfg.StateTopic, "%s") != 1 || strings.Count(cfg.CommandTopic, "%s") != 1 {
		return nil, fmt.Errorf("relay topics need exactly one %%s placeholder")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	r := &RelayController{
		conn:   conn,
		cfg:    cfg,
		qos:    mqttCfg,
		lookup: lookup,
		clock:  clk,
		log:    logger.OrNop(log),
		states: make(map[string]relayState),
	}
	wildcard := fmt.Sprintf(cfg.StateTopic, "+")
	if err := conn.Subscribe(wildcard, mqttCfg.qos("state"), r.onState); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RelayController) onState(_ paho.Client, msg paho.Message) {
	id, ok := relayID(r.cfg.StateTopic, msg.Topic())
	if !ok {
		return
	}
	on, err := parseRelayPayload(msg.Payload())
	if err != nil {
		r.log.Warnf("relay %s: %v", id, err)
		return
	}
	r.store(id, on)
}

func (r *RelayController) store(id string, on bool) {
	r.mu.Lock()
	r.states[id] = relayState{on: on, at: r.clock.Now()}
	r.mu.Unlock()
}

// relayID extracts the placeholder segment of topic according to pattern.
func relayID(pattern, topic string) (string, bool) {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return "", false
	}
	id := ""
	for i, seg := range ps {
		if seg == "%s" {
			id = ts[i]
			continue
		}
		if seg != ts[i] {
			return "", false
		}
	}
	return id, id != ""
}

func parseRelayPayload(b []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected relay payload %q", string(b))
	}
}

func (r *RelayController) relays(deviceID string) (model.Device, []string) {
	d, ok := model.Device{ID: deviceID}, false
	if r.lookup != nil {
		d, ok = r.lookup(deviceID)
	}
	if !ok {
		return model.Device{ID: deviceID}, []string{deviceID}
	}
	if len(d.Relays) > 0 {
		return d, d.Relays
	}
	return d, []string{d.ID}
}

func (r *RelayController) relay(id string) (bool, error) {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("relay %s: %w", id, model.ErrUnknownState)
	}
	if r.clock.Now().Sub(st.at) > r.cfg.StaleAfter {
		return false, fmt.Errorf("relay %s: stale since %s: %w", id, st.at.Format(time.RFC3339), model.ErrUnknownState)
	}
	return st.on, nil
}

// Status returns the cached state. SG-Ready devices count as on while in
// recommended or forced mode.
func (r *RelayController) Status(ctx context.Context, deviceID string) (model.DeviceState, error) {
	if err := ctx.Err(); err != nil {
		return model.StateUnknown, err
	}
	d, ids := r.relays(deviceID)
	if d.SGReady && len(ids) == 2 {
		signal, err := r.relay(ids[0])
		if err != nil {
			return model.StateUnknown, err
		}
		forced, err := r.relay(ids[1])
		if err != nil {
			return model.StateUnknown, err
		}
		mode, err := model.SGReadyFromRelays(signal, forced)
		if err != nil {
			return model.StateUnknown, err
		}
		return model.StateFromBool(mode == model.SGReadyRecommended || mode == model.SGReadyForced), nil
	}
	on, err := r.relay(ids[0])
	if err != nil {
		return model.StateUnknown, err
	}
	return model.StateFromBool(on), nil
}

// SetState publishes the relay command and records the requested state
// until the device reports back.
func (r *RelayController) SetState(ctx context.Context, deviceID string, on bool) error {
	d, ids := r.relays(deviceID)
	if d.SGReady && len(ids) == 2 {
		mode := model.SGReadyForTarget(on)
		signal, forced, err := mode.Relays()
		if err != nil {
			return err
		}
		r.log.Infof("device %s: sg-ready mode %s", deviceID, mode)
		// Drop the forced relay before the signal relay so the pump never
		// sees the invalid combination.
		if err := r.command(ctx, ids[1], forced); err != nil {
			return err
		}
		return r.command(ctx, ids[0], signal)
	}
	return r.command(ctx, ids[0], on)
}

func (r *RelayController) command(ctx context.Context, relay string, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := "off"
	if on {
		payload = "on"
	}
	topic := fmt.Sprintf(r.cfg.CommandTopic, relay)
	if err := r.conn.Publish(topic, r.qos.qos("command"), false, []byte(payload)); err != nil {
		return fmt.Errorf("relay %s: %w", relay, err)
	}
	r.store(relay, on)
	return nil
}
