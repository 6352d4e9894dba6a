// Package upstream consumes one remote text/event-stream and turns each
// server-sent event into a sequenced core.Event.
//
// The Adapter owns the connection state machine. It reconnects with an
// exponential backoff after every transport failure and never resets its
// sequence counter, so downstream consumers can detect gaps. When the remote
// does not support resuming with Last-Event-ID the adapter starts a new epoch
// after reconnecting.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/timada-org/pikav-relay/internal/core"
)

var (
	ErrMalformedEvent = errors.New("upstream: malformed event")
	ErrFatalUpstream  = errors.New("upstream: retry budget exhausted")
	ErrAlreadyStarted = errors.New("upstream: adapter already started")
)

// TransportError is a recoverable connection or read failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handler receives every decoded event, in sequence order, on the adapter
// goroutine.
type Handler func(event *core.Event)

type Observer func(status Status)

type Status struct {
	Topic        string
	State        State
	Retries      int
	LastSequence uint64
	Epoch        string
	LastEventID  string
	LastError    error
	Fatal        bool
}

type Options struct {
	Topic           string
	URL             string
	Headers         map[string]string
	Client          *http.Client
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	DisableResume   bool
	Handler         Handler
	Logger          logrus.FieldLogger
}

type metrics struct {
	events     metric.Int64Counter
	malformed  metric.Int64Counter
	duplicates metric.Int64Counter
	reconnects metric.Int64Counter
	attrs      metric.MeasurementOption
}

type Adapter struct {
	started atomic.Bool
	options Options
	client  *http.Client
	logger  logrus.FieldLogger
	metrics metrics

	mux         sync.RWMutex
	state       State
	retries     int
	sequence    uint64
	epoch       string
	lastEventID string
	lastErr     error
	fatal       bool
	retryHint   time.Duration
	revisions   *revisions
	observers   []Observer
}

func New(options Options) *Adapter {
	client := options.Client
	if client == nil {
		client = &http.Client{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if options.InitialInterval <= 0 {
		options.InitialInterval = 500 * time.Millisecond
	}
	if options.MaxInterval < options.InitialInterval {
		options.MaxInterval = options.InitialInterval
	}

	a := &Adapter{
		options:   options,
		client:    client,
		logger:    logger.WithField("topic", options.Topic),
		state:     Disconnected,
		revisions: newRevisions(maxTrackedIDs),
	}

	meter := otel.Meter("pikav-relay/upstream")
	a.metrics.events, _ = meter.Int64Counter("relay.upstream.events",
		metric.WithDescription("Events decoded from the upstream stream"),
		metric.WithUnit("{event}"))
	a.metrics.malformed, _ = meter.Int64Counter("relay.upstream.malformed",
		metric.WithDescription("Upstream events skipped because their data is not a JSON object or is too large"),
		metric.WithUnit("{event}"))
	a.metrics.duplicates, _ = meter.Int64Counter("relay.upstream.duplicates",
		metric.WithDescription("Upstream events skipped because their id was already relayed in the epoch"),
		metric.WithUnit("{event}"))
	a.metrics.reconnects, _ = meter.Int64Counter("relay.upstream.reconnects",
		metric.WithDescription("Upstream reconnect attempts"),
		metric.WithUnit("{attempt}"))
	a.metrics.attrs = metric.WithAttributes(attribute.String("topic", options.Topic))

	return a
}

// Observe registers fn for every state change. It must be called before Run.
func (a *Adapter) Observe(fn Observer) {
	a.mux.Lock()
	a.observers = append(a.observers, fn)
	a.mux.Unlock()
}

func (a *Adapter) Status() Status {
	a.mux.RLock()
	defer a.mux.RUnlock()
	return a.status()
}

func (a *Adapter) status() Status {
	return Status{
		Topic:        a.options.Topic,
		State:        a.state,
		Retries:      a.retries,
		LastSequence: a.sequence,
		Epoch:        a.epoch,
		LastEventID:  a.lastEventID,
		LastError:    a.lastErr,
		Fatal:        a.fatal,
	}
}

// Run streams until ctx is done or the retry budget is exhausted, in which
// case the returned error wraps ErrFatalUpstream. A cancelled context is a
// clean shutdown and returns nil.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.options.InitialInterval
	b.MaxInterval = a.options.MaxInterval
	b.Reset()

	for {
		if ctx.Err() != nil {
			a.shutdown(nil)
			return nil
		}

		a.transition(Connecting, nil)

		err := a.stream(ctx, b)
		if ctx.Err() != nil {
			a.shutdown(nil)
			return nil
		}

		a.transition(Reconnecting, err)

		a.mux.Lock()
		exhausted := a.options.MaxRetries > 0 && a.retries >= a.options.MaxRetries
		if !exhausted {
			a.retries++
		}
		hint := a.retryHint
		a.mux.Unlock()

		if exhausted {
			a.shutdown(err)
			return fmt.Errorf("%w: %v", ErrFatalUpstream, err)
		}

		delay := a.delay(b, hint)

		a.logger.WithError(err).WithField("delay", delay).Warn("upstream disconnected, reconnecting")
		a.metrics.reconnects.Add(ctx, 1, a.metrics.attrs)

		select {
		case <-ctx.Done():
			a.shutdown(nil)
			return nil
		case <-time.After(delay):
		}
	}
}

func (a *Adapter) delay(b *backoff.ExponentialBackOff, hint time.Duration) time.Duration {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = a.options.MaxInterval
	}

	if hint > delay {
		delay = hint
	}

	return min(delay, a.options.MaxInterval)
}

func (a *Adapter) stream(ctx context.Context, b *backoff.ExponentialBackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.options.URL, nil)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	for key, value := range a.options.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	a.mux.RLock()
	lastEventID := a.lastEventID
	a.mux.RUnlock()

	resume := !a.options.DisableResume && lastEventID != ""
	if resume {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		return &TransportError{Op: "connect", Err: fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	a.streaming(resume)
	b.Reset()

	decoder := NewDecoder(resp.Body, lastEventID)
	defer a.syncDecoder(decoder)

	for {
		frame, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return &TransportError{Op: "read", Err: err}
		}

		a.handle(ctx, frame)
	}
}

func (a *Adapter) syncDecoder(decoder *Decoder) {
	a.mux.Lock()
	a.lastEventID = decoder.LastEventID()
	if retry := decoder.Retry(); retry > 0 {
		a.retryHint = retry
	}
	a.mux.Unlock()
}

// streaming enters Streaming. The epoch is kept only when the remote was
// asked to resume from the last seen id. Ids replayed by a remote that
// ignored the request are skipped as duplicates of the same epoch.
func (a *Adapter) streaming(resume bool) {
	a.mux.Lock()
	if a.epoch == "" || !resume {
		a.epoch = uuid.NewString()
		a.revisions.reset()
	}
	a.retries = 0
	a.mux.Unlock()

	a.transition(Streaming, nil)
}

func (a *Adapter) handle(ctx context.Context, frame *Frame) {
	fields := logrus.Fields{
		"event": frame.Event,
		"id":    frame.ID,
	}

	if frame.Oversized {
		a.logger.WithFields(fields).WithError(fmt.Errorf("%w: larger than %d bytes", ErrMalformedEvent, maxFrameSize)).Warn("skipping upstream event")
		a.metrics.malformed.Add(ctx, 1, a.metrics.attrs)

		return
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(frame.Data), &data); err != nil || data == nil {
		a.logger.WithFields(fields).WithError(fmt.Errorf("%w: data is not a json object", ErrMalformedEvent)).Warn("skipping upstream event")
		a.metrics.malformed.Add(ctx, 1, a.metrics.attrs)

		return
	}

	a.mux.Lock()
	a.lastEventID = frame.ID

	var revision int
	if frame.HasID && frame.ID != "" {
		var fresh bool
		if revision, fresh = a.revisions.observe(frame.ID, frame.Data); !fresh {
			a.mux.Unlock()

			a.logger.WithFields(fields).Debug("skipping replayed upstream event")
			a.metrics.duplicates.Add(ctx, 1, a.metrics.attrs)

			return
		}
	}

	a.sequence++
	event := &core.Event{
		Topic:      a.options.Topic,
		Epoch:      a.epoch,
		Sequence:   a.sequence,
		ID:         frame.ID,
		Revision:   revision,
		Name:       frame.Event,
		Data:       data,
		ReceivedAt: time.Now(),
	}
	a.mux.Unlock()

	a.metrics.events.Add(ctx, 1, a.metrics.attrs)

	if a.options.Handler != nil {
		a.options.Handler(event)
	}
}

func (a *Adapter) shutdown(err error) {
	a.mux.Lock()
	a.fatal = err != nil
	a.mux.Unlock()

	a.transition(Shutdown, err)

	if err != nil {
		a.logger.WithError(err).Error("upstream retry budget exhausted")
	}
}

func (a *Adapter) transition(next State, err error) {
	a.mux.Lock()

	if !a.state.CanTransition(next) {
		current := a.state
		a.mux.Unlock()

		a.logger.WithFields(logrus.Fields{
			"from": current.String(),
			"to":   next.String(),
		}).Error("rejected upstream state transition")

		return
	}

	a.state = next
	if err != nil {
		a.lastErr = err
	}
	if next == Streaming {
		a.lastErr = nil
	}

	status := a.status()
	observers := a.observers
	a.mux.Unlock()

	a.logger.WithFields(logrus.Fields{
		"state": next.String(),
		"epoch": status.Epoch,
		"seq":   status.LastSequence,
	}).Debug("upstream state changed")

	for _, fn := range observers {
		fn(status)
	}
}
