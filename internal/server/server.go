// Package server exposes bridge sessions over SSE and HTTP.
package server

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	sse "github.com/tmaxmax/go-sse"

	"mcpbridge/internal/broker"
	"mcpbridge/internal/config"
	"mcpbridge/internal/errors"
	"mcpbridge/internal/events"
	"mcpbridge/internal/framing"
)

const (
	// MessagesPath receives client submissions.
	MessagesPath = "/messages"

	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

// Options configures the HTTP surface.
type Options struct {
	AllowNetworks  []*net.IPNet
	AllowedOrigins []string
	APIKey         string
	Keepalive      time.Duration

	// Transcripts is nil when transcripts are disabled.
	Transcripts *events.Store
	Gatherer    prometheus.Gatherer
}

type Server struct {
	log    zerolog.Logger
	broker *broker.Broker
	opts   Options

	stopOnce sync.Once
	stop     chan struct{}
}

func New(log zerolog.Logger, b *broker.Broker, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{log: log, broker: b, opts: opts, stop: make(chan struct{})}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.allowClient)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})

	r.Get("/health", s.handleHealth)
	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(s.opts.APIKey))
		g.Get("/sse", s.handleSSE)
		g.Post(MessagesPath, s.handleMessage)
		g.Get("/filters", s.handleFilters)
		g.Get("/filters/metrics", s.handleFilterMetrics)
		g.Post("/filters/{name}/enable", s.handleSetFilter(true))
		g.Post("/filters/{name}/disable", s.handleSetFilter(false))
		g.Get("/sessions", s.handleSessions)
		g.Get("/sessions/{id}/transcript", s.handleTranscript)
		g.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	})
	return r
}

func (s *Server) allowClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !config.IsAllowedClient(net.ParseIP(host), s.opts.AllowNetworks) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := extractBearer(r)
			if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (s *Server) authMode() string {
	if s.opts.APIKey != "" {
		return "bearer"
	}
	return "none"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chain := s.broker.Chain()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"auth_mode":   s.authMode(),
		"connections": s.broker.Connections(),
		"content_filtering": map[string]any{
			"enabled": chain.EnabledCount() > 0,
			"filters": chain.List(),
			"metrics": chain.Stats().Snapshot(),
		},
	})
}

// handleSSE opens a session for the lifetime of the request.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := s.broker.Open(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to start server process"})
		return
	}
	defer s.broker.Close(sess.ID)
	log := s.log.With().Str("session", sess.ID).Logger()

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	endpoint := &sse.Message{Type: sse.Type(eventEndpoint)}
	endpoint.AppendData(endpointURL(sess.ID))
	if err := stream.Send(endpoint); err != nil {
		return
	}
	if err := stream.Flush(); err != nil {
		return
	}
	log.Debug().Msg("sse stream opened")

	var keepalive <-chan time.Time
	if s.opts.Keepalive > 0 {
		ticker := time.NewTicker(s.opts.Keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	seq := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stop:
			return
		case <-sess.Done():
			log.Debug().Str("reason", sess.CloseReason()).Msg("session ended, closing stream")
			return
		case env := <-sess.Outbound():
			data, err := framing.Marshal(env)
			if err != nil {
				log.Warn().Err(err).Msg("dropping unencodable envelope")
				continue
			}
			seq++
			msg := &sse.Message{ID: sse.ID(strconv.Itoa(seq)), Type: sse.Type(eventMessage)}
			msg.AppendData(string(data))
			if err := stream.Send(msg); err != nil {
				return
			}
			if err := stream.Flush(); err != nil {
				return
			}
		case <-keepalive:
			ping := &sse.Message{}
			ping.AppendComment("keepalive")
			if err := stream.Send(ping); err != nil {
				return
			}
			if err := stream.Flush(); err != nil {
				return
			}
		}
	}
}

func endpointURL(sessionID string) string {
	return MessagesPath + "?" + url.Values{"session": {sessionID}}.Encode()
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session is required."})
		return
	}
	if _, err := s.broker.Registry().Get(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, framing.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.rejectMalformed(w, id, errors.NewProtocolError(errors.ReasonContentLength, err))
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	env, err := framing.Decode(body)
	if err != nil {
		s.rejectMalformed(w, id, err)
		return
	}

	outcome, err := s.broker.Submit(r.Context(), id, env)
	switch {
	case err == nil:
	case errors.IsSessionNotFound(err), stderrors.Is(err, errors.ErrSessionClosed):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	case stderrors.Is(err, errors.ErrBackpressure):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.log.Debug().Str("session", id).Str("outcome", outcome.String()).Msg("submission accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// rejectMalformed closes the session that sent an unparseable submission.
func (s *Server) rejectMalformed(w http.ResponseWriter, id string, err error) {
	s.log.Warn().Err(err).Str("session", id).Msg("malformed submission, closing session")
	s.broker.CloseWith(id, broker.ReasonProtocolError)
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	chain := s.broker.Chain()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  chain.List(),
		"metrics": chain.Stats().Snapshot(),
	})
}

func (s *Server) handleFilterMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Chain().Stats().Snapshot())
}

func (s *Server) handleSetFilter(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		chain := s.broker.Chain()
		if err := chain.SetEnabled(name, enabled); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		info, err := chain.Get(name)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		s.log.Info().Str("filter", name).Bool("enabled", enabled).Msg("filter toggled")
		writeJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.broker.Registry().List()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcripts == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "transcripts are disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, live := s.broker.Registry().Lookup(id); !live && !s.opts.Transcripts.Exists(id) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": (&errors.SessionNotFoundError{ID: id}).Error()})
		return
	}
	records, err := s.opts.Transcripts.Read(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": id, "records": records})
}

// Shutdown ends every open stream and closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.broker.Shutdown(ctx)
}
