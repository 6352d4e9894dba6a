package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/fanout"
	"github.com/timada-org/pikav-relay/internal/registry"
	"github.com/timada-org/pikav-relay/internal/session"
	"github.com/timada-org/pikav-relay/internal/upstream"
	"github.com/timada-org/pikav-relay/pkg/client"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

var statusTopic = &topic.TopicName{Value: "$SYS/upstream"}

// Notifier publishes upstream status changes to operators. *client.Client
// implements it.
type Notifier interface {
	SendAsync(ctx context.Context, event *client.Event, done func(error))
}

type TopicOptions struct {
	Name          *topic.TopicName
	URL           string
	Headers       map[string]string
	Upstream      core.UpstreamConfig
	Session       core.SessionConfig
	AuthTimeout   time.Duration
	Authenticator *auth.Authenticator
	HTTPClient    *http.Client
	Notifier      Notifier
	Logger        logrus.FieldLogger
}

type Health struct {
	Name         string         `json:"name"`
	State        upstream.State `json:"state"`
	Sessions     int            `json:"sessions"`
	MaxIdle      float64        `json:"max_idle_seconds"`
	LastSequence uint64         `json:"last_sequence"`
	Epoch        string         `json:"epoch"`
	Retries      int            `json:"retries"`
	LastError    string         `json:"last_error,omitempty"`
	Fatal        bool           `json:"fatal"`
}

// Topic wires one upstream adapter to the sessions of one relay topic.
// Events flow inline from the adapter goroutine into the fan-out engine.
type Topic struct {
	Name     *topic.TopicName
	Registry *registry.Registry
	Fanout   *fanout.Engine
	Adapter  *upstream.Adapter

	options TopicOptions
	logger  logrus.FieldLogger
}

func NewTopic(options TopicOptions) *Topic {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := &Topic{
		Name:    options.Name,
		options: options,
		logger:  logger.WithField("topic", options.Name.String()),
	}

	t.Registry = registry.New(registry.Options{
		Capacity:    options.Session.Capacity,
		Policy:      options.Session.Policy(),
		MaxSessions: options.Session.MaxSessions,
		Logger:      t.logger,
	})

	t.Fanout = fanout.New(fanout.Options{
		Topic:      options.Name.String(),
		Registry:   t.Registry,
		EvictAfter: options.Session.EvictAfter,
		Logger:     logger,
	})

	t.Adapter = upstream.New(upstream.Options{
		Topic:           options.Name.String(),
		URL:             options.URL,
		Headers:         options.Headers,
		Client:          options.HTTPClient,
		InitialInterval: options.Upstream.InitialInterval,
		MaxInterval:     options.Upstream.MaxInterval,
		MaxRetries:      options.Upstream.MaxRetries,
		DisableResume:   options.Upstream.DisableResume,
		Handler: func(event *core.Event) {
			t.Fanout.Publish(context.Background(), event)
		},
		Logger: logger,
	})

	t.Adapter.Observe(t.observe)

	return t
}

// Run streams the upstream until ctx is done or its retry budget is spent.
// Every session is closed when it returns.
func (t *Topic) Run(ctx context.Context) error {
	return t.Adapter.Run(ctx)
}

func (t *Topic) observe(status upstream.Status) {
	if status.State == upstream.Shutdown {
		reason := core.ReasonShutdown
		if status.Fatal {
			reason = core.ReasonUpstreamFailure
		}

		t.Registry.Close(reason)
	}

	if t.options.Notifier == nil {
		return
	}

	data := map[string]any{
		"topic":         status.Topic,
		"state":         status.State.String(),
		"retries":       status.Retries,
		"last_sequence": status.LastSequence,
		"epoch":         status.Epoch,
		"fatal":         status.Fatal,
	}
	if status.LastError != nil {
		data["error"] = status.LastError.Error()
	}

	t.options.Notifier.SendAsync(context.Background(), &client.Event{
		Topic: statusTopic,
		Name:  status.State.String(),
		Data:  data,
	}, func(err error) {
		if err != nil {
			t.logger.WithError(err).Warn("failed to publish upstream status")
		}
	})
}

// Session returns a controller for a freshly upgraded connection.
func (t *Topic) Session(conn *websocket.Conn, credential string, filter *topic.TopicFilter) *session.Controller {
	s := t.options.Session

	return session.New(conn, credential, session.Options{
		Topic:         t.Name.String(),
		Registry:      t.Registry,
		Authenticator: t.options.Authenticator,
		Filter:        filter,
		Epoch:         t.Epoch,
		AuthTimeout:   t.options.AuthTimeout,
		WriteTimeout:  s.WriteTimeout,
		PingInterval:  s.PingInterval,
		PongTimeout:   s.PongTimeout,
		ReadLimit:     s.ReadLimit,
		ControlRate:   s.ControlRate,
		ControlBurst:  s.ControlBurst,
		Logger:        t.logger,
	})
}

func (t *Topic) Epoch() string {
	return t.Adapter.Status().Epoch
}

func (t *Topic) Health() Health {
	status := t.Adapter.Status()

	sessions := t.Registry.Sessions()
	now := time.Now()

	var idle time.Duration
	for _, handle := range sessions {
		idle = max(idle, now.Sub(handle.LastActivity()))
	}

	health := Health{
		Name:         t.Name.String(),
		State:        status.State,
		Sessions:     len(sessions),
		MaxIdle:      idle.Seconds(),
		LastSequence: status.LastSequence,
		Epoch:        status.Epoch,
		Retries:      status.Retries,
		Fatal:        status.Fatal,
	}
	if status.LastError != nil {
		health.LastError = status.LastError.Error()
	}

	return health
}
