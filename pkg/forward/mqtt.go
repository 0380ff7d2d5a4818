package forward

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
)

type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

type MQTTConfig struct {
	Username      string
	Password      string
	BrokerAddress string
	Topic         string
	Logger        Logger
	DebugLogger   Logger
}

// MQTTForwarder republishes every monitored line to an MQTT topic.
type MQTTForwarder struct {
	client mqtt.Client
	topic  string
}

func NewMQTTForwarder(cfg MQTTConfig) (*MQTTForwarder, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerAddress)
	opts.SetClientID(generateClientId())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetOrderMatters(false)

	if cfg.Logger != nil {
		mqtt.ERROR = cfg.Logger
		mqtt.CRITICAL = cfg.Logger
		mqtt.WARN = cfg.Logger
	}
	if cfg.DebugLogger != nil {
		mqtt.DEBUG = cfg.DebugLogger
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &MQTTForwarder{client: client, topic: cfg.Topic}, nil
}

// Line publishes fire-and-forget at QoS 0. The console stays authoritative:
// a flaky broker must not stop the monitor, so delivery problems are left to
// the paho loggers rather than returned.
func (f *MQTTForwarder) Line(text string) error {
	f.client.Publish(f.topic, 0, false, text)
	return nil
}

func (f *MQTTForwarder) Close() {
	f.client.Disconnect(1000)
}

func generateClientId() string {
	now := time.Now().Unix()
	random := rand.Intn(1000000)
	return fmt.Sprintf("serialmon-%v-%v", now, random)
}
