package upstream_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/upstream"
)

type recorder struct {
	mux    sync.Mutex
	events []*core.Event
}

func (r *recorder) handle(event *core.Event) {
	r.mux.Lock()
	r.events = append(r.events, event)
	r.mux.Unlock()
}

func (r *recorder) snapshot() []*core.Event {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]*core.Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []*core.Event {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(r.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)

	return r.snapshot()
}

func sseServer(t *testing.T, fn func(w http.ResponseWriter, r *http.Request, attempt int)) *httptest.Server {
	t.Helper()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := int(attempts.Add(1))
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fn(w, r, attempt)
	}))
	t.Cleanup(server.Close)

	return server
}

func newAdapter(url string, rec *recorder, configure func(*upstream.Options)) *upstream.Adapter {
	logger, _ := test.NewNullLogger()

	options := upstream.Options{
		Topic:           "games/live",
		URL:             url,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Handler:         rec.handle,
		Logger:          logger,
	}
	if configure != nil {
		configure(&options)
	}

	return upstream.New(options)
}

func run(t *testing.T, a *upstream.Adapter) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errc <- a.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return cancel, errc
}

func TestSequenceIncreasesAcrossReconnects(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, _ *http.Request, attempt int) {
		for i := 0; i < 2; i++ {
			fmt.Fprintf(w, "data: {\"attempt\":%d,\"i\":%d}\n\n", attempt, i)
		}
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 6)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Sequence)
		assert.Equal(t, "games/live", event.Topic)
		assert.Equal(t, "message", event.Name)
	}
}

func TestNewEpochWithoutResume(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, _ *http.Request, attempt int) {
		fmt.Fprintf(w, "data: {\"attempt\":%d}\n\n", attempt)
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 2)
	assert.NotEmpty(t, events[0].Epoch)
	assert.NotEqual(t, events[0].Epoch, events[1].Epoch)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
}

func TestResumeWithLastEventID(t *testing.T) {
	var mux sync.Mutex
	var lastEventIDs []string

	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		mux.Lock()
		lastEventIDs = append(lastEventIDs, r.Header.Get("Last-Event-ID"))
		mux.Unlock()

		fmt.Fprintf(w, "id: e%d\nevent: goal\ndata: {}\n\n", attempt)
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 3)
	assert.Equal(t, events[0].Epoch, events[1].Epoch)
	assert.Equal(t, events[1].Epoch, events[2].Epoch)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "goal", events[0].Name)

	mux.Lock()
	defer mux.Unlock()
	assert.Equal(t, "", lastEventIDs[0])
	assert.Equal(t, "e1", lastEventIDs[1])
	assert.Equal(t, "e2", lastEventIDs[2])
}

func TestDisableResume(t *testing.T) {
	var resumed atomic.Bool

	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if r.Header.Get("Last-Event-ID") != "" {
			resumed.Store(true)
		}
		fmt.Fprintf(w, "id: e%d\ndata: {}\n\n", attempt)
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, func(o *upstream.Options) {
		o.DisableResume = true
	}))

	events := rec.waitFor(t, 2)
	assert.NotEqual(t, events[0].Epoch, events[1].Epoch)
	assert.False(t, resumed.Load())
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, _ *http.Request, attempt int) {
		if attempt > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "data: {\"a\":1}\n\ndata: not json\n\ndata: [1,2]\n\ndata: null\n\ndata: {\"a\":2}\n\n")
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, float64(2), events[1].Data["a"])
}

func TestOversizedEventIsSkipped(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(w, "id: 1\ndata: {\"n\":1}\n\n")
		fmt.Fprintf(w, "data: {\"blob\":\"%s\"}\nid: 2\n\n", strings.Repeat("a", 2<<20))
		fmt.Fprint(w, "id: 3\ndata: {\"n\":3}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	var reconnects atomic.Int64

	rec := &recorder{}
	a := newAdapter(server.URL, rec, nil)
	a.Observe(func(status upstream.Status) {
		if status.State == upstream.Reconnecting {
			reconnects.Add(1)
		}
	})
	run(t, a)

	events := rec.waitFor(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[0].Data["n"])
	assert.Equal(t, float64(3), events[1].Data["n"])
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, "3", events[1].ID)

	status := a.Status()
	assert.Equal(t, upstream.Streaming, status.State)
	assert.Equal(t, "3", status.LastEventID)
	assert.Zero(t, reconnects.Load())
}

func TestReplayedEventsAreSkipped(t *testing.T) {
	var mux sync.Mutex
	var lastEventIDs []string

	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		mux.Lock()
		lastEventIDs = append(lastEventIDs, r.Header.Get("Last-Event-ID"))
		mux.Unlock()

		if attempt > 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		// the remote ignores Last-Event-ID and replays from the start
		for i := 1; i <= attempt+2; i++ {
			fmt.Fprintf(w, "id: %d\ndata: {\"n\":%d}\n\n", i, i)
		}
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 4)
	require.Never(t, func() bool {
		return len(rec.snapshot()) > 4
	}, 100*time.Millisecond, 10*time.Millisecond)

	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Sequence)
		assert.Equal(t, fmt.Sprint(i+1), event.ID)
		assert.Equal(t, float64(i+1), event.Data["n"])
		assert.Equal(t, events[0].Epoch, event.Epoch)
		assert.Zero(t, event.Revision)
	}

	mux.Lock()
	defer mux.Unlock()
	assert.Equal(t, "3", lastEventIDs[1])
}

func TestResentEventIsANewRevision(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt > 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		fmt.Fprintf(w, "id: goal-1\nevent: goal\ndata: {\"score\":%d}\n\n", attempt)
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 2)
	assert.Equal(t, events[0].Epoch, events[1].Epoch)
	assert.Zero(t, events[0].Revision)
	assert.Equal(t, 1, events[1].Revision)
	assert.Equal(t, float64(2), events[1].Data["score"])
}

func TestEventsWithoutOwnIDAreNotDeduplicated(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(w, "id: 1\ndata: {}\n\ndata: {}\n\ndata: {}\n\n")
	})

	rec := &recorder{}
	run(t, newAdapter(server.URL, rec, nil))

	events := rec.waitFor(t, 3)
	assert.Equal(t, uint64(3), events[2].Sequence)
	assert.Equal(t, "1", events[2].ID)
}

func TestFatalAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	rec := &recorder{}
	a := newAdapter(server.URL, rec, func(o *upstream.Options) {
		o.MaxRetries = 2
	})

	var mux sync.Mutex
	var states []upstream.State
	var last upstream.Status
	a.Observe(func(status upstream.Status) {
		mux.Lock()
		states = append(states, status.State)
		last = status
		mux.Unlock()
	})

	err := a.Run(context.Background())
	require.ErrorIs(t, err, upstream.ErrFatalUpstream)

	assert.Equal(t, int64(3), attempts.Load())

	mux.Lock()
	defer mux.Unlock()

	assert.Equal(t, []upstream.State{
		upstream.Connecting, upstream.Reconnecting,
		upstream.Connecting, upstream.Reconnecting,
		upstream.Connecting, upstream.Reconnecting,
		upstream.Shutdown,
	}, states)
	assert.True(t, last.Fatal)
	assert.Error(t, last.LastError)
	assert.Equal(t, upstream.Shutdown, a.Status().State)
}

func TestWrongContentTypeIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "data: {}\n\n")
	}))
	defer server.Close()

	rec := &recorder{}
	a := newAdapter(server.URL, rec, func(o *upstream.Options) {
		o.MaxRetries = 1
	})

	err := a.Run(context.Background())
	require.ErrorIs(t, err, upstream.ErrFatalUpstream)

	var transportErr *upstream.TransportError
	require.ErrorAs(t, a.Status().LastError, &transportErr)
	assert.Equal(t, "connect", transportErr.Op)
	assert.Empty(t, rec.snapshot())
}

func TestRetriesResetAfterStreaming(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, _ *http.Request, attempt int) {
		if attempt%2 == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "data: {}\n\n")
	})

	rec := &recorder{}
	_, errc := run(t, newAdapter(server.URL, rec, func(o *upstream.Options) {
		o.MaxRetries = 2
	}))

	rec.waitFor(t, 4)

	select {
	case err := <-errc:
		t.Fatalf("adapter stopped: %v", err)
	default:
	}
}

func TestCancelShutsDown(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	rec := &recorder{}
	a := newAdapter(server.URL, rec, nil)
	cancel, errc := run(t, a)

	rec.waitFor(t, 1)
	assert.Equal(t, upstream.Streaming, a.Status().State)

	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not stop")
	}

	status := a.Status()
	assert.Equal(t, upstream.Shutdown, status.State)
	assert.False(t, status.Fatal)

	require.ErrorIs(t, a.Run(context.Background()), upstream.ErrAlreadyStarted)
}

func TestConcurrentRunStartsOnce(t *testing.T) {
	a := newAdapter("http://127.0.0.1:1", &recorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var (
		wg      sync.WaitGroup
		started atomic.Int64
		refused atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				assert.ErrorIs(t, err, upstream.ErrAlreadyStarted)
				refused.Add(1)
				return
			}
			started.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), started.Load())
	assert.Equal(t, int64(7), refused.Load())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, upstream.Disconnected.CanTransition(upstream.Connecting))
	assert.True(t, upstream.Connecting.CanTransition(upstream.Streaming))
	assert.True(t, upstream.Streaming.CanTransition(upstream.Reconnecting))
	assert.True(t, upstream.Reconnecting.CanTransition(upstream.Connecting))
	assert.False(t, upstream.Streaming.CanTransition(upstream.Connecting))
	assert.False(t, upstream.Reconnecting.CanTransition(upstream.Streaming))

	for _, s := range []upstream.State{upstream.Disconnected, upstream.Connecting, upstream.Streaming, upstream.Reconnecting} {
		assert.True(t, s.CanTransition(upstream.Shutdown), s.String())
		assert.False(t, upstream.Shutdown.CanTransition(s), s.String())
	}
}
