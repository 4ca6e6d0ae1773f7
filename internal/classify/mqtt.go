package classify

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
)

const publishTimeout = 5 * time.Second

// MQTTSink publishes predictions as JSON to a broker topic.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "cyton_" + hex.EncodeToString(b)
}

// DialMQTT connects to the configured broker.
func DialMQTT(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(generateClientID())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("[mqtt] connected to broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("[mqtt] connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("[mqtt] failed to connect to %s: %w", cfg.Broker, token.Error())
	}
	return NewMQTTSink(client, cfg.Topic, logger), nil
}

func NewMQTTSink(client mqtt.Client, topic string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, logger: logger}
}

func (s *MQTTSink) Publish(p Prediction) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("[mqtt] publish to %s timed out", s.topic)
	}
	return token.Error()
}

func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
	s.logger.Info("[mqtt] disconnected")
}
