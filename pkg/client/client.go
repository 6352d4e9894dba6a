// Package client publishes and consumes relay status events on Apache Pulsar.
package client

import (
	"context"
	"errors"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/goccy/go-json"

	"github.com/timada-org/pikav-relay/pkg/topic"
)

// Event is the JSON payload carried by every message.
type Event struct {
	Topic    *topic.TopicName `json:"topic"`
	Name     string           `json:"name"`
	Data     any              `json:"data"`
	Metadata any              `json:"metadata,omitempty"`
}

type ClientOptions struct {
	URL   string
	Topic string
	Name  string
}

type Client struct {
	Client   pulsar.Client
	topic    string
	producer pulsar.Producer
}

func New(options ClientOptions) (*Client, error) {
	if options.URL == "" {
		return nil, errors.New("pulsar url is required")
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL: options.URL,
	})
	if err != nil {
		return nil, err
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: options.Topic,
		Name:  options.Name,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		Client:   client,
		topic:    options.Topic,
		producer: producer,
	}, nil
}

func (c *Client) Send(ctx context.Context, event *Event) error {
	if c.producer == nil {
		return errors.New("producer not initialized")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = c.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:     event.Topic.String(),
		Payload: payload,
	})

	return err
}

// SendAsync queues event and reports the outcome to done, which may be nil.
func (c *Client) SendAsync(ctx context.Context, event *Event, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	if c.producer == nil {
		done(errors.New("producer not initialized"))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		done(err)
		return
	}

	c.producer.SendAsync(ctx, &pulsar.ProducerMessage{
		Key:     event.Topic.String(),
		Payload: payload,
	}, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
		done(err)
	})
}

// Subscribe delivers every event published on the client topic to handler
// until ctx is done. Messages that are not events are acknowledged and
// skipped.
func (c *Client) Subscribe(ctx context.Context, name string, handler func(*Event)) error {
	consumer, err := c.Client.Subscribe(pulsar.ConsumerOptions{
		Topic:            c.topic,
		SubscriptionName: name,
		Type:             pulsar.Exclusive,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	for {
		msg, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		consumer.Ack(msg)

		event, err := Decode(msg.Payload())
		if err != nil {
			continue
		}

		handler(event)
	}
}

func Decode(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	if event.Topic == nil {
		return nil, errors.New("event topic is missing")
	}

	return &event, nil
}

func (c *Client) Close() {
	if c.producer != nil {
		c.producer.Close()
	}

	c.Client.Close()
}
