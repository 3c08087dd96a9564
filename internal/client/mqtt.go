package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTOptions параметры подключения к брокеру
type MQTTOptions struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // например "potholes"
	QoS         byte
}

// MQTTPublisher публикует события запусков в брокер MQTT
type MQTTPublisher struct {
	opts   MQTTOptions
	client mqtt.Client
	logger logrus.FieldLogger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTPublisher создает издателя; подключение выполняет Connect
func NewMQTTPublisher(opts MQTTOptions, logger logrus.FieldLogger) *MQTTPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &MQTTPublisher{opts: opts, logger: logger}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.WithField("broker", opts.Broker).Info("Подключение к MQTT установлено")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.WithError(err).Warn("Соединение с MQTT потеряно, переподключение")
	}
	p.client = mqtt.NewClient(co)
	return p
}

// Connect подключается к брокеру
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	timeout := mqttConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Publish отправляет payload в топик <prefix>/<subtopic>
func (p *MQTTPublisher) Publish(subtopic string, payload []byte) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := subtopic
	if p.opts.TopicPrefix != "" {
		topic = p.opts.TopicPrefix + "/" + subtopic
	}

	token := p.client.Publish(topic, p.opts.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.WithField("topic", topic).Debugf("Событие опубликовано, %d байт", len(payload))
	return nil
}

// Close отключается от брокера
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT отключен")
	}
	p.setConnected(false)
	return nil
}

// Stats количество опубликованных сообщений и ошибок
func (p *MQTTPublisher) Stats() (published, errors uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.errors
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
