package telemetry

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry fans sensor readings and equipment states out to prometheus and,
// when configured, an MQTT broker. The Node-RED dashboard subscribes to the
// MQTT topics; prometheus serves /metrics scrapes.
type Telemetry interface {
	EmitMetric(module, name string, value float64)
	Alert(subject, body string) (bool, error)
}

type MQTTConfig struct {
	Enable      bool   `json:"enable" yaml:"enable"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
}

type telemetry struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	mqtt     mqtt.Client
	prefix   string
}

// New returns a Telemetry backed by the given prometheus registry. If mc
// enables MQTT, a connection is attempted up front; failure is logged and
// telemetry degrades to prometheus only.
func New(registry *prometheus.Registry, mc MQTTConfig) Telemetry {
	t := &telemetry{
		registry: registry,
		gauges:   make(map[string]prometheus.Gauge),
		prefix:   strings.TrimSuffix(mc.TopicPrefix, "/"),
	}
	if t.prefix == "" {
		t.prefix = "skyfarm"
	}
	if mc.Enable {
		opts := mqtt.NewClientOptions().
			AddBroker(mc.Broker).
			SetClientID(mc.ClientID).
			SetUsername(mc.Username).
			SetPassword(mc.Password).
			SetAutoReconnect(true).
			SetConnectRetry(true)
		client := mqtt.NewClient(opts)
		token := client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			t.mqtt = client
		} else {
			log.Println("ERROR: telemetry: mqtt connect failed:", token.Error())
		}
	}
	return t
}

// NewNoop returns a telemetry sink that only keeps prometheus gauges in a
// private registry. Used in tests and dev mode without a broker.
func NewNoop() Telemetry {
	return New(prometheus.NewRegistry(), MQTTConfig{})
}

func metricName(module, name string) string {
	sanitize := func(s string) string {
		s = strings.ToLower(s)
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				return r
			}
			return '_'
		}, s)
	}
	return "skyfarm_" + sanitize(module) + "_" + sanitize(name)
}

func (t *telemetry) EmitMetric(module, name string, value float64) {
	t.mu.Lock()
	key := metricName(module, name)
	g, ok := t.gauges[key]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: key,
			Help: fmt.Sprintf("%s %s", module, name),
		})
		if err := t.registry.Register(g); err != nil {
			t.mu.Unlock()
			log.Println("ERROR: telemetry: failed to register metric:", err)
			return
		}
		t.gauges[key] = g
	}
	t.mu.Unlock()
	g.Set(value)

	if t.mqtt != nil {
		topic := t.prefix + "/" + module + "/" + name
		t.mqtt.Publish(topic, 0, false, fmt.Sprintf("%f", value))
	}
}

// Alert publishes a human readable notification. Alerts always land in the
// process log; with MQTT configured they also hit <prefix>/alert so the
// dashboard can surface them.
func (t *telemetry) Alert(subject, body string) (bool, error) {
	log.Println("ALERT:", subject, body)
	if t.mqtt == nil {
		return false, nil
	}
	token := t.mqtt.Publish(t.prefix+"/alert", 0, false, subject+": "+body)
	if !token.WaitTimeout(2 * time.Second) {
		return false, fmt.Errorf("alert publish timed out")
	}
	return true, token.Error()
}
