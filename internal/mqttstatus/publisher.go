// Package mqttstatus publishes motor error state changes to an MQTT broker.
package mqttstatus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

// DefaultTopicPrefix roots every published topic.
const DefaultTopicPrefix = "motors"

// Publisher is the subset of mqtt.Client the status publisher needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// StatusPublisher is a telemetry.StatusSink. Each change is published,
// retained, to <prefix>/<motor number>/error so late subscribers see the
// current state. StatusChanged never waits on the broker; completion is
// tracked in the background.
type StatusPublisher struct {
	client  Publisher
	prefix  string
	qos     byte
	timeout time.Duration

	published atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	inFlight  atomic.Int64
}

// NewStatusPublisher creates a publisher rooted at prefix.
func NewStatusPublisher(client Publisher, prefix string) *StatusPublisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &StatusPublisher{client: client, prefix: prefix, qos: 1, timeout: 5 * time.Second}
}

// Topic returns the error topic for a 0-based motor index. Topics use the
// same 1-based numbering as plot keys.
func Topic(prefix string, motor int) string {
	return fmt.Sprintf("%s/%d/error", prefix, motor+1)
}

type payload struct {
	Motor     int    `json:"motor"`
	Code      int    `json:"code"`
	Text      string `json:"text"`
	ColorHint string `json:"color_hint"`
	IsError   bool   `json:"is_error"`
	Time      string `json:"time"`
}

func (p *StatusPublisher) StatusChanged(u telemetry.StatusUpdate) {
	body, err := json.Marshal(payload{
		Motor:     u.Motor + 1,
		Code:      u.Code,
		Text:      u.Text,
		ColorHint: string(u.Severity),
		IsError:   u.IsError,
		Time:      u.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.failed.Add(1)
		return
	}

	topic := Topic(p.prefix, u.Motor)
	token := p.client.Publish(topic, p.qos, true, body)
	p.inFlight.Add(1)
	go p.track(topic, token)
}

// track waits for one publish to complete. A publish still pending after the
// timeout is counted as timed out; paho keeps retrying it in the background.
func (p *StatusPublisher) track(topic string, token mqtt.Token) {
	defer p.inFlight.Add(-1)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		p.timedOut.Add(1)
		log.Printf("[mqtt] publish to %s not acknowledged after %v", topic, p.timeout)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		log.Printf("[mqtt] publish to %s failed: %v", topic, err)
		return
	}
	p.published.Add(1)
}

// Counts reports publish outcomes.
type Counts struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	InFlight  int64  `json:"in_flight"`
}

func (p *StatusPublisher) Counts() Counts {
	return Counts{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

// Config describes the broker connection.
type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Connect creates a client with auto-reconnect and starts connecting. A
// broker that is down at startup is retried in the background; the returned
// client queues publishes meanwhile. The retained <prefix>/status topic
// reports "online", with "offline" as the last will.
func Connect(cfg Config) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("motormon-%d", time.Now().UnixNano())
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	statusTopic := prefix + "/status"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("[mqtt] connected to %s", cfg.Broker)
		c.Publish(statusTopic, 1, true, "online")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}
