package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/htakeda/lineflow/internal/config"
	"github.com/htakeda/lineflow/internal/ingest"
	"github.com/htakeda/lineflow/internal/lineapi"
	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/stats"
	"github.com/htakeda/lineflow/internal/store"
)

// Ingestor runs one inbound event through the ingestion pipeline.
type Ingestor interface {
	Process(ctx context.Context, ev ingest.Event) (ingest.Result, error)
}

// Replier answers a webhook event through its reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// StatsProvider serves the dashboard snapshot.
type StatsProvider interface {
	GetSnapshot(ctx context.Context) stats.Snapshot
}

const liveStatsInterval = 5 * time.Second

type Server struct {
	cfg      config.Config
	pipeline Ingestor
	statsSvc StatsProvider
	replier  Replier
	logger   zerolog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, pipeline Ingestor, statsSvc StatsProvider, replier Replier, logger zerolog.Logger, metrics *observability.Metrics) *Server {
	allowAny := false
	for _, o := range cfg.HTTP.AllowedOrigins {
		if o == "*" {
			allowAny = true
		}
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		statsSvc: statsSvc,
		replier:  replier,
		logger:   logger,
		metrics:  metrics,
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if strings.EqualFold(u.Host, r.Host) {
					return true
				}
				for _, o := range cfg.HTTP.AllowedOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/webhook/line", s.handleWebhook)

	r.Route("/api", func(api chi.Router) {
		api.Use(corsMiddleware(s.cfg.HTTP.AllowedOrigins))
		api.With(gzipMiddleware).Get("/stats", s.handleStats)
		api.Get("/stats/live", s.handleStatsLive)
		api.Post("/chat", s.handleChat)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleWebhook processes one LINE delivery. The platform redelivers on
// non-2xx, so a failed store write answers 500 on purpose: redelivery plus
// the idempotent insert gives at-least-once in, exactly-once recorded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, 1<<20)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if !lineapi.VerifySignature(s.cfg.Line.ChannelSecret, body, r.Header.Get(lineapi.SignatureHeader)) {
		s.metrics.WebhookEvents.WithLabelValues("bad_signature").Inc()
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	messages, skipped, err := lineapi.ParseWebhook(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if skipped > 0 {
		s.metrics.WebhookEvents.WithLabelValues("skipped").Add(float64(skipped))
	}

	failed := false
	for _, msg := range messages {
		s.metrics.WebhookEvents.WithLabelValues("message").Inc()

		res, err := s.pipeline.Process(r.Context(), msg.Event)
		if err != nil {
			failed = true
			s.logger.Error().Err(err).Str("event_id", msg.Event.EventID).Msg("ingestion failed")
			continue
		}
		if res.Deduplicated {
			// Redelivered event: the original reply already went out, never
			// dispatch a second one.
			continue
		}

		text := res.Turn.ReplyText
		if res.Turn.Outcome != store.OutcomeSuccess {
			text = lineapi.FallbackText
		}
		if msg.ReplyToken == "" || s.replier == nil {
			continue
		}
		if err := s.replier.Reply(r.Context(), msg.ReplyToken, text); err != nil {
			// The turn is durably recorded; a lost reply is not worth a
			// redelivery loop.
			s.logger.Error().Err(err).Str("event_id", msg.Event.EventID).Msg("reply dispatch failed")
		}
	}

	if failed {
		respondError(w, http.StatusInternalServerError, "ingestion_failed", "one or more events were not recorded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handled": len(messages), "skipped": skipped})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.statsSvc.GetSnapshot(r.Context()))
}

// handleStatsLive streams snapshots over a websocket for the live dashboard
// view.
func (s *Server) handleStatsLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine only detects peer close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(liveStatsInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(s.statsSvc.GetSnapshot(ctx)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleChat is the dashboard's direct probe into the relay: it runs one
// synthetic turn through the same pipeline and streams the reply as SSE.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	user := strings.TrimSpace(req.UserID)
	if user == "" {
		user = "dashboard"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "unsupported", "streaming unsupported")
		return
	}

	res, err := s.pipeline.Process(r.Context(), ingest.Event{
		EventID:      "chat-" + uuid.NewString(),
		UserIdentity: user,
		Text:         req.Message,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ingestion_failed", err.Error())
		return
	}

	text := res.Turn.ReplyText
	if res.Turn.Outcome != store.OutcomeSuccess {
		text = lineapi.FallbackText
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	chunk, _ := json.Marshal(map[string]string{"text": text})
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(chunk)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("empty body")
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errors.New("body too large")
	}
	return body, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
