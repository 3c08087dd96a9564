package client

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.viam.com/test"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }

func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTTClient struct {
	mqtt.Client
	connected  bool
	publishErr error
	topics     []string
	payloads   []string
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.connected = true
	return &doneToken{}
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Disconnect(uint) { c.connected = false }

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.publishErr == nil {
		c.topics = append(c.topics, topic)
		c.payloads = append(c.payloads, string(payload.([]byte)))
	}
	return &doneToken{err: c.publishErr}
}

func TestMQTTPublisher(t *testing.T) {
	p := NewMQTTPublisher(MQTTOptions{Broker: "localhost:1883", ClientID: "test", TopicPrefix: "potholes"}, quietLogger())
	fake := &fakeMQTTClient{}
	p.client = fake

	err := p.Publish("runs/1/status", []byte(`{}`))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, p.Connect(context.Background()), test.ShouldBeNil)
	test.That(t, p.Publish("runs/1/status", []byte(`{"label":"Scanning"}`)), test.ShouldBeNil)
	test.That(t, fake.topics, test.ShouldResemble, []string{"potholes/runs/1/status"})
	test.That(t, fake.payloads, test.ShouldResemble, []string{`{"label":"Scanning"}`})

	fake.publishErr = errors.New("broker gone")
	test.That(t, p.Publish("runs/1/status", []byte(`{}`)), test.ShouldNotBeNil)

	published, failed := p.Stats()
	test.That(t, published, test.ShouldEqual, uint64(1))
	test.That(t, failed, test.ShouldEqual, uint64(2))

	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, fake.connected, test.ShouldBeFalse)
}
