// Package session drives one downstream WebSocket connection from the
// handshake to its close frame.
//
// A Controller authenticates the client, registers it with the topic
// registry and then runs three goroutines until the first of them stops: the
// writer pops the session channel, the reader handles client control frames
// and the keepalive pings the client. Whatever stops first decides the close
// reason sent to the client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/bounded"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/registry"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

const (
	controlAuth  = "auth"
	controlPing  = "ping"
	controlClose = "close"
)

var errUnexpectedFrame = errors.New("unexpected control frame")

type controlFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type Options struct {
	Topic         string
	Registry      *registry.Registry
	Authenticator *auth.Authenticator
	Filter        *topic.TopicFilter
	// Epoch returns the current upstream epoch announced to the client.
	Epoch        func() string
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	ControlRate  float64
	ControlBurst int
	Logger       logrus.FieldLogger
}

type Controller struct {
	options    Options
	conn       *websocket.Conn
	credential string
	logger     logrus.FieldLogger
	limiter    *rate.Limiter

	mux      sync.RWMutex
	state    State
	identity *auth.Identity
	handle   *registry.Handle

	writeMu   sync.Mutex
	closeOnce sync.Once
	exits     chan core.CloseReason
	refreshed chan struct{}
}

// New wraps an upgraded connection. credential is the bearer token taken
// from the handshake, empty when the client authenticates with its first
// message.
func New(conn *websocket.Conn, credential string, options Options) *Controller {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	limit := rate.Inf
	if options.ControlRate > 0 {
		limit = rate.Limit(options.ControlRate)
	}

	burst := options.ControlBurst
	if burst < 1 {
		burst = 1
	}

	if options.Epoch == nil {
		options.Epoch = func() string { return "" }
	}

	return &Controller{
		options:    options,
		conn:       conn,
		credential: credential,
		logger:     logger.WithField("topic", options.Topic),
		limiter:    rate.NewLimiter(limit, burst),
		state:      Connecting,
		exits:      make(chan core.CloseReason, 4),
		refreshed:  make(chan struct{}, 1),
	}
}

func (c *Controller) State() State {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.state
}

// Handle returns the registry handle, nil until the session is Active.
func (c *Controller) Handle() *registry.Handle {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.handle
}

// Run blocks until the session is Closed and returns why it closed. The
// connection is closed when Run returns.
func (c *Controller) Run(ctx context.Context) core.CloseReason {
	c.transition(Authenticating)

	identity, err := c.authenticate()
	if err != nil {
		reason := core.ReasonAuthFailed
		if errors.Is(err, auth.ErrDenied) {
			reason = core.ReasonDenied
		}

		c.logger.WithError(err).Info("session authentication failed")
		c.finish(reason)

		return reason
	}

	handle, err := c.options.Registry.Register(identity, c.options.Filter)
	if err != nil {
		reason := core.ReasonCapacity
		if errors.Is(err, registry.ErrClosed) {
			reason = c.options.Registry.ClosedReason()
		}

		c.logger.WithError(err).WithField("subject", identity.Subject).Warn("session rejected")
		c.finish(reason)

		return reason
	}

	c.mux.Lock()
	c.identity = identity
	c.handle = handle
	c.mux.Unlock()

	c.logger = c.logger.WithFields(logrus.Fields{
		"session_id": handle.ID,
		"subject":    identity.Subject,
	})

	c.transition(Active)

	reason := c.serve(ctx, handle)
	c.drain(handle, reason)

	return reason
}

func (c *Controller) serve(ctx context.Context, handle *registry.Handle) core.CloseReason {
	err := c.writeJSON(&core.SessionFrame{
		Type:      core.FrameSession,
		SessionID: handle.ID,
		Topic:     c.options.Topic,
		Epoch:     c.options.Epoch(),
	})
	if err != nil {
		return core.ReasonTransport
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writer(ctx, handle)
	go c.reader(handle)
	go c.keepalive(ctx)
	go c.watchExpiry(ctx)

	select {
	case reason := <-c.exits:
		return reason
	case <-ctx.Done():
		return core.ReasonShutdown
	}
}

func (c *Controller) exit(reason core.CloseReason) {
	select {
	case c.exits <- reason:
	default:
	}
}

func (c *Controller) authenticate() (*auth.Identity, error) {
	credential := c.credential

	if credential == "" {
		if c.options.AuthTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.options.AuthTimeout))
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: no credential received: %v", auth.ErrInvalidCredential, err)
		}

		var frame controlFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != controlAuth {
			return nil, fmt.Errorf("%w: first message must be an auth frame", auth.ErrInvalidCredential)
		}

		_ = c.conn.SetReadDeadline(time.Time{})
		credential = frame.Token
	}

	return c.options.Authenticator.Authenticate(credential)
}

func (c *Controller) writer(ctx context.Context, handle *registry.Handle) {
	for {
		event, err := handle.Channel().Pop(ctx)
		if errors.Is(err, bounded.ErrClosed) {
			reason := handle.Reason()
			if reason == core.ReasonNone {
				reason = core.ReasonNormal
			}
			c.exit(reason)
			return
		}
		if err != nil {
			return
		}

		frame, err := event.Frame()
		if err != nil {
			c.logger.WithError(err).WithField("seq", event.Sequence).Error("failed to encode event")
			continue
		}

		if err := c.write(websocket.TextMessage, frame); err != nil {
			c.logger.WithError(err).Debug("session write failed")
			c.exit(core.ReasonTransport)
			return
		}

		handle.Touch()
	}
}

func (c *Controller) reader(handle *registry.Handle) {
	if c.options.ReadLimit > 0 {
		c.conn.SetReadLimit(c.options.ReadLimit)
	}

	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		handle.Touch()
		return nil
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.exit(readReason(err))
			return
		}

		c.extendReadDeadline()
		handle.Touch()

		if !c.limiter.Allow() {
			c.logger.Warn("client exceeded the control frame rate")
			c.exit(core.ReasonProtocol)
			return
		}

		if typ != websocket.TextMessage {
			c.exit(core.ReasonProtocol)
			return
		}

		if reason, stop := c.control(msg); stop {
			c.exit(reason)
			return
		}
	}
}

func (c *Controller) control(msg []byte) (core.CloseReason, bool) {
	var frame controlFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.logger.WithError(err).Debug("invalid control frame")
		return core.ReasonProtocol, true
	}

	switch frame.Type {
	case controlPing:
		if err := c.writeJSON(&controlFrame{Type: core.FramePong}); err != nil {
			return core.ReasonTransport, true
		}
	case controlClose:
		return core.ReasonNormal, true
	case controlAuth:
		return c.refresh(frame.Token)
	default:
		c.logger.WithError(errUnexpectedFrame).WithField("type", frame.Type).Debug("invalid control frame")
		return core.ReasonProtocol, true
	}

	return core.ReasonNone, false
}

// refresh replaces the session identity with a newer token of the same
// subject, extending the session past the original expiry.
func (c *Controller) refresh(token string) (core.CloseReason, bool) {
	identity, err := c.options.Authenticator.Authenticate(token)
	if err != nil {
		if errors.Is(err, auth.ErrDenied) {
			return core.ReasonDenied, true
		}
		return core.ReasonAuthFailed, true
	}

	c.mux.Lock()
	same := c.identity.Subject == identity.Subject
	if same {
		c.identity = identity
	}
	c.mux.Unlock()

	if !same {
		return core.ReasonDenied, true
	}

	select {
	case c.refreshed <- struct{}{}:
	default:
	}

	return core.ReasonNone, false
}

func (c *Controller) keepalive(ctx context.Context) {
	if c.options.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
				c.exit(core.ReasonTransport)
				return
			}
		}
	}
}

func (c *Controller) watchExpiry(ctx context.Context) {
	for {
		c.mux.RLock()
		expiresAt := c.identity.ExpiresAt
		c.mux.RUnlock()

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if !expiresAt.IsZero() {
			timer = time.NewTimer(time.Until(expiresAt))
			expired = timer.C
		}

		stop := true
		select {
		case <-ctx.Done():
		case <-c.refreshed:
			stop = false
		case <-expired:
			c.mux.RLock()
			lapsed := c.identity.Expired(time.Now())
			c.mux.RUnlock()

			// a refresh may have landed while the timer fired
			if lapsed {
				c.exit(core.ReasonAuthExpired)
			} else {
				stop = false
			}
		}

		if timer != nil {
			timer.Stop()
		}

		if stop {
			return
		}
	}
}

// drain stops delivery and releases the registry slot before the close
// frame is written.
func (c *Controller) drain(handle *registry.Handle, reason core.CloseReason) {
	c.transition(Draining)
	c.options.Registry.Deregister(handle.ID, reason)

	c.logger.WithField("reason", reason.String()).Info("session closed")

	c.finish(reason)
}

func (c *Controller) finish(reason core.CloseReason) {
	c.closeOnce.Do(func() {
		if reason != core.ReasonTransport {
			if reason != core.ReasonNormal {
				_ = c.writeJSON(core.NewErrorFrame(reason))
			}

			msg := websocket.FormatCloseMessage(reason.Code(), reason.String())
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.writeDeadline())
		}

		_ = c.conn.Close()
		c.transition(Closed)
	})
}

func (c *Controller) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.write(websocket.TextMessage, data)
}

func (c *Controller) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(c.writeDeadline())

	return c.conn.WriteMessage(messageType, data)
}

func (c *Controller) writeDeadline() time.Time {
	if c.options.WriteTimeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(c.options.WriteTimeout)
}

func (c *Controller) extendReadDeadline() {
	if c.options.PongTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	}
}

func (c *Controller) transition(next State) {
	c.mux.Lock()
	current := c.state
	allowed := current.CanTransition(next)
	if allowed {
		c.state = next
	}
	c.mux.Unlock()

	if !allowed {
		c.logger.WithFields(logrus.Fields{
			"from": current.String(),
			"to":   next.String(),
		}).Error("rejected session state transition")
	}
}

func readReason(err error) core.CloseReason {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return core.ReasonNormal
	case errors.Is(err, websocket.ErrReadLimit):
		return core.ReasonProtocol
	default:
		return core.ReasonTransport
	}
}
