package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/relay"
	"github.com/timada-org/pikav-relay/internal/upstream"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

const shutdownTimeout = 10 * time.Second

type AppOptions struct {
	Config *core.Config
	Hub    *relay.Hub
	Logger logrus.FieldLogger
}

type App struct {
	config   *core.Config
	hub      *relay.Hub
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
	ctx      context.Context
}

func New(options AppOptions) *App {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app := &App{
		config: options.Config,
		hub:    options.Hub,
		logger: logger,
		ctx:    context.Background(),
	}

	app.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(options.Config.Session.AllowedOrigins),
	}

	return app
}

func (app *App) Router() http.Handler {
	router := httprouter.New()
	router.GET("/ws/*topic", app.connect())
	router.GET("/topics", app.topics())
	router.GET("/healthz", app.healthz())

	return router
}

// Listen serves until ctx is done, then stops accepting connections and
// waits for in-flight requests. Sessions end through ctx as well.
func (app *App) Listen(ctx context.Context) error {
	app.ctx = ctx

	server := &http.Server{
		Addr:              app.config.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errc := make(chan error, 1)
	go func() {
		app.logger.WithField("addr", app.config.Addr).Info("listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (app *App) connect() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		t, ok := app.hub.Topic(p.ByName("topic")[1:])
		if !ok {
			http.Error(w, "Not found.", http.StatusNotFound)
			return
		}

		var filter *topic.TopicFilter
		if value := r.URL.Query().Get("filter"); value != "" {
			f, err := topic.NewFilter(value)
			if err != nil {
				http.Error(w, "Bad request.", http.StatusBadRequest)
				return
			}
			filter = f
		}

		credential := auth.BearerToken(r.Header.Get("Authorization"))
		if credential == "" {
			credential = r.URL.Query().Get("access_token")
		}

		conn, err := app.upgrader.Upgrade(w, r, nil)
		if err != nil {
			app.logger.WithError(err).Debug("websocket upgrade failed")
			return
		}

		t.Session(conn, credential, filter).Run(app.ctx)
	}
}

func (app *App) topics() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		topics := app.hub.Topics()

		health := make([]relay.Health, 0, len(topics))
		for _, t := range topics {
			health = append(health, t.Health())
		}

		app.writeJSON(w, http.StatusOK, health)
	}
}

func (app *App) healthz() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var unavailable []string
		for _, t := range app.hub.Topics() {
			if t.Health().State == upstream.Shutdown {
				unavailable = append(unavailable, t.Name.String())
			}
		}

		if len(unavailable) > 0 {
			app.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":      "unavailable",
				"unavailable": unavailable,
			})
			return
		}

		app.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (app *App) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		app.logger.WithError(err).Error("failed to encode response")
		http.Error(w, "{\"success\": false}", http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(payload); err != nil {
		app.logger.WithError(err).Debug("failed to write response")
	}
}

// checkOrigin allows the configured origins, any origin for "*", and falls
// back to the same-origin check when none are configured.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}

	origins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		origins[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origins["*"] || origins[origin]
	}
}
