// Package telemetry mirrors module output and device state to an MQTT
// broker. Observer callbacks only enqueue; a single goroutine publishes,
// so a slow broker never stalls frame processing.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
)

const (
	queueDepth         = 256
	publishTimeout     = 2 * time.Second
	defaultTopicPrefix = "haptics"
)

// Config selects the broker and topic layout.
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         byte
}

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic    string
	retained bool
	payload  any
	// module is set for frame messages, which are deduplicated.
	module string
	frame  frameMessage
}

type frameMessage struct {
	Seq      uint64          `json:"seq"`
	At       time.Time       `json:"at"`
	Enabled  bool            `json:"enabled"`
	AllValid bool            `json:"all_valid"`
	Forced   bool            `json:"forced,omitempty"`
	Outputs  []bridge.Output `json:"outputs"`
}

type stateMessage struct {
	From device.State `json:"from"`
	To   device.State `json:"to"`
	At   time.Time    `json:"at"`
}

type dropMessage struct {
	Reason  device.Reason `json:"reason"`
	Error   string        `json:"error,omitempty"`
	Force   bool          `json:"force,omitempty"`
	Channel string        `json:"channel,omitempty"`
	At      time.Time     `json:"at"`
}

// Publisher implements bridge.Observer and device.Observer.
type Publisher struct {
	cfg    Config
	client Client
	queue  chan message
	logger *log.Logger

	mu        sync.Mutex
	last      map[string]frameMessage
	published uint64
	dropped   uint64
	failed    uint64
}

// Stats are the publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// DefaultClientID returns a unique client id.
func DefaultClientID() string {
	return "hapticd-" + uuid.NewString()
}

// Connect dials the broker with auto reconnect and a retained
// online/offline status topic.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	logger := log.GetLogger("telemetry")
	statusTopic := topic(cfg.TopicPrefix, "status")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(statusTopic, "offline", cfg.QoS, true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.WithFields(log.Fields{"broker": broker, "client_id": cfg.ClientID}).Info("mqtt connected")
		c.Publish(statusTopic, cfg.QoS, true, "online")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.WithField("broker", broker).WithError(err).Warn("mqtt connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, herrors.New(herrors.ErrTelemetryPublish, "mqtt connection timeout").SetContext("broker", broker)
	}
	if err := token.Error(); err != nil {
		return nil, herrors.Wrap(err, herrors.ErrTelemetryPublish, "mqtt connect").SetContext("broker", broker)
	}
	return NewPublisher(cfg, client), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(cfg Config, client Client) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	return &Publisher{
		cfg:    cfg,
		client: client,
		queue:  make(chan message, queueDepth),
		logger: log.GetLogger("telemetry"),
		last:   make(map[string]frameMessage),
	}
}

func topic(prefix string, parts ...string) string {
	return strings.Join(append([]string{strings.TrimRight(prefix, "/")}, parts...), "/")
}

// Stats returns a copy of the counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Published: p.published, Dropped: p.dropped, Failed: p.failed}
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// ModuleFrame implements bridge.Observer. Frames identical to the last
// published one for the module are not republished.
func (p *Publisher) ModuleFrame(pv bridge.Preview) {
	fm := frameMessage{
		Seq:      pv.Seq,
		At:       pv.At,
		Enabled:  pv.Enabled,
		AllValid: pv.AllValid,
		Forced:   pv.Forced,
		Outputs:  pv.Outputs,
	}
	p.enqueue(message{
		topic:  topic(p.cfg.TopicPrefix, "module", pv.Module, "frame"),
		module: pv.Module,
		frame:  fm,
	})
}

// StateChanged implements device.Observer. State is retained.
func (p *Publisher) StateChanged(id string, from, to device.State) {
	p.enqueue(message{
		topic:    topic(p.cfg.TopicPrefix, "device", id, "state"),
		retained: true,
		payload:  stateMessage{From: from, To: to, At: time.Now()},
	})
}

// FrameResult implements device.Observer. Only drops are published.
func (p *Publisher) FrameResult(id string, r device.Result) {
	if r.Sent {
		return
	}
	dm := dropMessage{Reason: r.Reason, Force: r.Force, Channel: r.Channel, At: r.At}
	if r.Err != nil {
		dm.Error = r.Err.Error()
	}
	p.enqueue(message{
		topic:   topic(p.cfg.TopicPrefix, "device", id, "drop"),
		payload: dm,
	})
}

// changed reports whether fm differs from the last published frame of
// the module, ignoring sequence and time.
func (p *Publisher) changed(module string, fm frameMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.last[module]
	if ok && last.Enabled == fm.Enabled && last.AllValid == fm.AllValid &&
		last.Forced == fm.Forced && reflect.DeepEqual(last.Outputs, fm.Outputs) {
		return false
	}
	p.last[module] = fm
	return true
}

// Run publishes queued messages until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case m := <-p.queue:
			p.publish(m)
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case m := <-p.queue:
			p.publish(m)
		default:
			return
		}
	}
}

func (p *Publisher) publish(m message) {
	payload := m.payload
	if m.module != "" {
		if !p.changed(m.module, m.frame) {
			return
		}
		payload = m.frame
	}
	data, err := json.Marshal(payload)
	if err == nil {
		err = wait(p.client.Publish(m.topic, p.cfg.QoS, m.retained, data))
	}
	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.published++
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.WithField("topic", m.topic).WithError(
			herrors.Wrap(err, herrors.ErrTelemetryPublish, "publish")).Warn("publish failed")
	}
}

func wait(t mqtt.Token) error {
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout after %s", publishTimeout)
	}
	return t.Error()
}
