package herald

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/utils"
	"github.com/nyaruka/gocommon/jsonx"
)

// our maximum permitted request body size, batch requests and webhook payloads are
// both far smaller than this
const maxRequestBytes = 1024 * 1024

// Server exposes the engine over HTTP: the control API used to start and watch batches,
// and the endpoint provider webhooks are delivered to.
type Server interface {
	Config() *runtime.Config
	Engine() Engine
	Router() chi.Router

	Start() error
	Stop() error
}

// NewServer creates a new server for the passed in config and engine. The server has to
// be started afterwards, which is when the engine is started and routes are wired.
func NewServer(config *runtime.Config, engine Engine) Server {
	router := chi.NewRouter()
	router.Use(middleware.Compress(5))
	router.Use(middleware.StripSlashes)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	return &server{
		config: config,
		engine: engine,
		router: router,

		waitGroup: &sync.WaitGroup{},
	}
}

type server struct {
	config *runtime.Config
	engine Engine

	httpServer *http.Server
	router     *chi.Mux

	routes []string

	waitGroup *sync.WaitGroup
}

// Start starts the engine and then the server listening for requests. It only returns
// an error for unrecoverable problems, connection errors to channel services are
// reported on the index page instead.
func (s *server) Start() error {
	// set our user agent, needs to happen before anything makes a request
	utils.HTTPUserAgent = fmt.Sprintf("Herald/%s", s.config.Version)

	if err := s.engine.Start(); err != nil {
		return err
	}

	// wire up our main pages
	s.router.NotFound(s.handle404)
	s.router.MethodNotAllowed(s.handle405)
	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	// the webhook endpoint the provider calls back, GET is their subscription handshake
	s.router.Get("/wh/whatsapp", s.handleWebhookVerify)
	s.router.Post("/wh/whatsapp", s.handleWebhook)

	// the batch API, guarded by the configured auth token
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/batches", s.handleStartBatch)
		r.Get("/batches/{uuid}", s.handleBatchProgress)
		r.Delete("/batches/{uuid}", s.handleCancelBatch)
		r.Get("/quotas", s.handleQuotas)
	})

	// collect our route help for the index page
	chi.Walk(s.router, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		s.routes = append(s.routes, fmt.Sprintf("%-6s %s", method, route))
		return nil
	})
	sort.Strings(s.routes)

	// configure timeouts on our server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// and start serving HTTP
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server errored", "comp", "server", "error", err)
		}
	}()

	slog.Info("server listening", "comp", "server", "port", s.config.Port, "version", s.config.Version)
	return nil
}

// Stop stops the server and then the engine, returning only after in-flight requests
// and sends have finished.
func (s *server) Stop() error {
	log := slog.With("comp", "server")
	log.Info("stopping server")

	// shut down our HTTP server
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		log.Error("error shutting down server", "error", err)
	}

	if err := s.engine.Stop(); err != nil {
		return err
	}

	s.waitGroup.Wait()

	log.Info("server stopped")
	return nil
}

func (s *server) Config() *runtime.Config { return s.config }
func (s *server) Engine() Engine          { return s.engine }
func (s *server) Router() chi.Router      { return s.router }

// requireToken guards the batch API with the configured auth token. No configured token
// means the API is open, which is only sane on a private network.
func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !utils.SecretEqual(token, s.config.AuthToken) {
				writeJSONResponse(w, http.StatusUnauthorized, &errorResponse{[]string{"invalid authorization token"}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleStartBatch starts sending a template to everyone in a recipient file
func (s *server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("error reading request body: %w", err))
		return
	}

	request := &BatchRequest{}
	if err := jsonx.Unmarshal(body, request); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("unable to parse request body: %w", err))
		return
	}

	progress, err := s.engine.StartBatch(r.Context(), request)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	WriteDataResponse(w, http.StatusCreated, "Batch Started", progress)
}

// handleBatchProgress returns the current state and counters of a batch
func (s *server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.BatchProgress(chi.URLParam(r, "uuid"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			WriteError(w, http.StatusNotFound, err)
		} else {
			WriteError(w, http.StatusInternalServerError, err)
		}
		return
	}

	WriteDataResponse(w, http.StatusOK, "Batch Progress", progress)
}

// handleCancelBatch aborts the queued sends of a batch, in-flight ones finish and record
func (s *server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	if err := s.engine.CancelBatch(uuid); err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			WriteError(w, http.StatusNotFound, err)
		} else {
			WriteError(w, http.StatusInternalServerError, err)
		}
		return
	}

	progress, err := s.engine.BatchProgress(uuid)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}

	WriteDataResponse(w, http.StatusOK, "Batch Cancelled", progress)
}

// handleQuotas returns the snapshot of all quota windows and send statistics
func (s *server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.QuotaState(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(state)
}

// handleWebhookVerify answers the provider's subscription handshake by echoing back the
// challenge when the mode and verify token check out
func (s *server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.engine.VerifyWebhook(
		r.URL.Query().Get("hub.mode"),
		r.URL.Query().Get("hub.verify_token"),
		r.URL.Query().Get("hub.challenge"),
	)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	fmt.Fprint(w, challenge)
}

// handleWebhook receives a provider callback, verifies its signature and applies
// whatever status updates and events it carries
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("error reading request body: %w", err))
		return
	}

	handled, err := s.engine.ProcessWebhook(r.Context(), body, r.Header.Get("X-Hub-Signature-256"))
	if err != nil {
		if errors.Is(err, ErrWebhookSignature) {
			WriteError(w, http.StatusForbidden, err)
		} else {
			WriteError(w, http.StatusBadRequest, err)
		}
		return
	}

	WriteStatusSuccess(w, handled)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	buf.WriteString("<title>herald</title><body><pre>\n")
	buf.WriteString(splash)
	buf.WriteString(s.config.Version)

	buf.WriteString(s.engine.Health())

	buf.WriteString("\n\n")
	buf.WriteString(strings.Join(s.routes, "\n"))
	buf.WriteString("</pre></body>")
	w.Write(buf.Bytes())
}

// handleHealth is the load balancer probe, it distinguishes down from up but degraded
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if health := s.engine.Health(); health != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(health))
		return
	}

	w.Write([]byte("OK"))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.StatusUsername != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.config.StatusUsername || pass != s.config.StatusPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="Authenticate"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized"))
			return
		}
	}

	var buf bytes.Buffer
	buf.WriteString("<title>herald</title><body><pre>\n")
	buf.WriteString(splash)
	buf.WriteString(s.config.Version)

	buf.WriteString("\n\n")
	if health := s.engine.Health(); health != "" {
		buf.WriteString(health)
	} else {
		buf.WriteString("service ok")
	}

	buf.WriteString("\n\n")
	state, err := s.engine.QuotaState(r.Context())
	if err != nil {
		buf.WriteString(fmt.Sprintf("error reading quota state: %s", err))
	} else {
		buf.Write(state)
	}

	buf.WriteString("\n</pre></body>")
	w.Write(buf.Bytes())
}

func (s *server) handle404(w http.ResponseWriter, r *http.Request) {
	slog.Info("not found", "comp", "server", "url", r.URL.String(), "method", r.Method)
	writeJSONResponse(w, http.StatusNotFound, &errorResponse{[]string{fmt.Sprintf("not found: %s", r.URL.String())}})
}

func (s *server) handle405(w http.ResponseWriter, r *http.Request) {
	slog.Info("invalid method", "comp", "server", "url", r.URL.String(), "method", r.Method)
	writeJSONResponse(w, http.StatusMethodNotAllowed, &errorResponse{[]string{fmt.Sprintf("method not allowed: %s", r.Method)}})
}

var splash = `
  _                     _     _
 | |_   ___  _ _  __ _ | | __| |
 | ' \ / -_)| '_|/ _' || |/ _' |
 |_||_|\___||_|  \__,_||_|\__,_| v`
