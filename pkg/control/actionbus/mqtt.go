package actionbus

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"talosgateway/pkg/control"
)

const (
	mqttTimeout       = 3 * time.Second
	disconnectQuiesce = 250
	qos               = 1
)

type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Prefix   string // 主题前缀

	// 过滤无人处理的设备动作, 为空时全部入队
	Accept func(model string, slaveID uint8) bool
}

// Client subscribes to the control topic, queues inbound actions and publishes results.
type Client struct {
	client mqtt.Client
	topics Topics
	queue  *Queue
}

// Dial connects to the broker and subscribes to the control topic.
func Dial(o Options) (*Client, error) {
	if o.ClientID == "" {
		o.ClientID = "talos-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	var queueOpts []QueueOption
	if o.Accept != nil {
		queueOpts = append(queueOpts, WithAccept(o.Accept))
	}
	c := &Client{topics: Topics{Prefix: o.Prefix}, queue: NewQueue(queueOpts...)}
	// 重连后重新订阅
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(c.topics.Control(), qos, c.onMessage)
		if token.WaitTimeout(mqttTimeout) && token.Error() == nil {
			klog.V(2).InfoS("Subscribed action topic", "topic", c.topics.Control())
		} else {
			klog.V(1).InfoS("Failed to subscribe action topic", "topic", c.topics.Control(), "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		klog.V(1).InfoS("Lost MQTT connection", "broker", o.Broker, "err", err)
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, errors.Errorf("connect %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", o.Broker)
	}
	return c, nil
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	actions, err := Decode(msg.Payload())
	if err != nil {
		klog.V(2).InfoS("Failed to decode action message", "topic", msg.Topic(), "err", err)
		return
	}
	klog.V(4).InfoS("Received actions", "topic", msg.Topic(), "count", len(actions))
	c.queue.Push(actions...)
}

func (c *Client) Drain() []control.ControlAction {
	return c.queue.Drain()
}

func (c *Client) DrainFor(model string, slaveID uint8) []control.ControlAction {
	return c.queue.DrainFor(model, slaveID)
}

// Publish sends actions to the control topic.
func (c *Client) Publish(ctx context.Context, actions []control.ControlAction) error {
	payload, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.topics.Control(), payload)
}

// PublishResults sends the journal entries of an executed batch to the results topic.
func (c *Client) PublishResults(ctx context.Context, results []control.Result) error {
	if len(results) == 0 {
		return nil
	}
	entries := make([]interface{}, 0, len(results))
	for i := range results {
		entries = append(entries, results[i].Entry())
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.topics.Results(), payload)
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		klog.V(1).InfoS("Failed to publish MQTT", "topic", topic, "err", "timeout")
		return errors.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		klog.V(1).InfoS("Failed to publish MQTT", "topic", topic, "err", err)
		return err
	}
	klog.V(5).InfoS("Succeed to publish MQTT", "topic", topic, "bytes", len(payload))
	return nil
}

func (c *Client) Close() error {
	c.client.Disconnect(disconnectQuiesce)
	return nil
}
