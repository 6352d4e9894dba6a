// Package relay assembles the per-topic pipelines: one upstream adapter, one
// fan-out engine and one session registry for every configured topic.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

type HubOptions struct {
	Config        *core.Config
	Authenticator *auth.Authenticator
	HTTPClient    *http.Client
	Notifier      Notifier
	Logger        logrus.FieldLogger
}

type Hub struct {
	topics map[string]*Topic
	logger logrus.FieldLogger
}

func NewHub(options HubOptions) (*Hub, error) {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cfg := options.Config
	hub := &Hub{
		topics: make(map[string]*Topic, len(cfg.Topics)),
		logger: logger,
	}

	for _, t := range cfg.Topics {
		name, err := topic.NewName(t.Name)
		if err != nil {
			return nil, err
		}

		if _, ok := hub.topics[name.String()]; ok {
			return nil, fmt.Errorf("topic %s is configured twice", name)
		}

		hub.topics[name.String()] = NewTopic(TopicOptions{
			Name:          name,
			URL:           t.URL,
			Headers:       t.Headers,
			Upstream:      cfg.Upstream,
			Session:       cfg.Session,
			AuthTimeout:   cfg.Auth.Timeout,
			Authenticator: options.Authenticator,
			HTTPClient:    options.HTTPClient,
			Notifier:      options.Notifier,
			Logger:        logger,
		})
	}

	return hub, nil
}

func (h *Hub) Topic(name string) (*Topic, bool) {
	t, ok := h.topics[name]
	return t, ok
}

// Topics returns every topic ordered by name.
func (h *Hub) Topics() []*Topic {
	topics := make([]*Topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}

	sort.Slice(topics, func(i, j int) bool {
		return topics[i].Name.String() < topics[j].Name.String()
	})

	return topics
}

// Run streams every topic until ctx is done. A topic that exhausts its retry
// budget stops alone; its error is joined into the result once all topics
// have stopped.
func (h *Hub) Run(ctx context.Context) error {
	var (
		mux  sync.Mutex
		errs []error
	)

	wg := conc.NewWaitGroup()
	for _, t := range h.Topics() {
		wg.Go(func() {
			if err := t.Run(ctx); err != nil {
				h.logger.WithError(err).WithField("topic", t.Name.String()).Error("topic unavailable")

				mux.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
				mux.Unlock()
			}
		})
	}
	wg.Wait()

	return errors.Join(errs...)
}
