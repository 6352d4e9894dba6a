// Package registry tracks the live downstream sessions of one topic.
//
// The Registry is the single authority mapping a session id to its Handle.
// Register and Deregister may be called from any session goroutine while the
// fan-out engine reads Sessions: the session set is guarded by one lock that
// is only held to copy, insert or delete, never while callers iterate.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/bounded"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

var (
	ErrCapacityExceeded = errors.New("registry: maximum concurrent sessions reached")
	ErrClosed           = errors.New("registry: closed")
)

type Channel = bounded.Channel[*core.Event]

type Handle struct {
	ID        string
	Identity  *auth.Identity
	Filter    *topic.TopicFilter
	CreatedAt time.Time

	channel      *Channel
	lastActivity atomic.Int64
	reason       atomic.Int32
}

func (h *Handle) Channel() *Channel {
	return h.channel
}

func (h *Handle) Touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// Reason returns why the handle was deregistered, ReasonNone while it is live.
func (h *Handle) Reason() core.CloseReason {
	return core.CloseReason(h.reason.Load())
}

// Accepts reports whether an event name passes the session filter.
func (h *Handle) Accepts(name string) bool {
	return h.Filter == nil || h.Filter.MatchString(name)
}

func (h *Handle) close(reason core.CloseReason) {
	h.reason.CompareAndSwap(int32(core.ReasonNone), int32(reason))
	h.channel.Close()
}

type Options struct {
	Capacity    int
	Policy      bounded.Policy
	MaxSessions int
	Logger      logrus.FieldLogger
}

type Registry struct {
	mux      sync.RWMutex
	sessions map[string]*Handle
	closed   bool
	reason   core.CloseReason
	options  Options
	logger   logrus.FieldLogger
}

func New(options Options) *Registry {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Registry{
		sessions: make(map[string]*Handle),
		options:  options,
		logger:   logger,
	}
}

// Register allocates a session and its bounded channel. A filter limits the
// upstream event names delivered to the session; nil delivers everything.
func (r *Registry) Register(identity *auth.Identity, filter *topic.TopicFilter) (*Handle, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		ID:        id,
		Identity:  identity,
		Filter:    filter,
		CreatedAt: time.Now(),
		channel:   bounded.New[*core.Event](r.options.Capacity, r.options.Policy),
	}
	handle.Touch()

	r.mux.Lock()

	if r.closed {
		r.mux.Unlock()
		return nil, ErrClosed
	}

	if r.options.MaxSessions > 0 && len(r.sessions) >= r.options.MaxSessions {
		r.mux.Unlock()
		return nil, ErrCapacityExceeded
	}

	r.sessions[id] = handle
	count := len(r.sessions)
	r.mux.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"subject":    identity.Subject,
		"sessions":   count,
	}).Debug("session registered")

	return handle, nil
}

// Deregister removes the session and closes its channel, waking its consumer.
// It returns false when the session was already gone.
func (r *Registry) Deregister(id string, reason core.CloseReason) bool {
	r.mux.Lock()
	handle, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mux.Unlock()

	if !ok {
		return false
	}

	handle.close(reason)

	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"reason":     reason.String(),
	}).Debug("session deregistered")

	return true
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Handle {
	r.mux.RLock()
	handles := make([]*Handle, 0, len(r.sessions))
	for _, handle := range r.sessions {
		handles = append(handles, handle)
	}
	r.mux.RUnlock()

	return handles
}

func (r *Registry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.sessions)
}

// Close deregisters every session with reason and rejects later
// registrations. Only the first reason is kept.
func (r *Registry) Close(reason core.CloseReason) {
	r.mux.Lock()
	if !r.closed {
		r.closed = true
		r.reason = reason
	}
	handles := make([]*Handle, 0, len(r.sessions))
	for id, handle := range r.sessions {
		handles = append(handles, handle)
		delete(r.sessions, id)
	}
	r.mux.Unlock()

	for _, handle := range handles {
		handle.close(reason)
	}

	if len(handles) > 0 {
		r.logger.WithFields(logrus.Fields{
			"sessions": len(handles),
			"reason":   reason.String(),
		}).Info("closed all sessions")
	}
}

// ClosedReason returns the reason given to Close, ReasonNone while open.
func (r *Registry) ClosedReason() core.CloseReason {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.reason
}
