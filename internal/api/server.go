package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/auth"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/dispatch"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/pagination"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/sse"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/tracking"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

const maxSendBody = 40 << 20

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type Tracking interface {
	RecordOpen(ctx context.Context, token, userAgent, ip string) bool
	RecordClick(ctx context.Context, clickToken, userAgent, ip string) (string, bool)
	Stats(ctx context.Context, filter store.Filter) (tracking.Stats, error)
	Details(ctx context.Context, filter store.Filter) ([]store.Record, error)
}

type CampaignLister interface {
	ListCampaigns(ctx context.Context, userID string) ([]store.CampaignSummary, error)
}

type ConnectionPool interface {
	EvictAll() int
}

type Deps struct {
	Dispatcher Dispatcher
	Tracking   Tracking
	Campaigns  CampaignLister
	Pool       ConnectionPool
	Hub        *sse.Hub
	Auth       *auth.Manager
	Logger     *slog.Logger
	// Ready reports whether backing stores answer. Nil means always ready.
	Ready func(ctx context.Context) error
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	if deps.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Get(tracking.OpenPath+"{token}", s.handleOpen)
	r.Get(tracking.ClickPath+"{token}", s.handleClick)

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Auth.Middleware)
		r.Post("/campaigns/send", s.handleSend)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/tracking/stats", s.handleStats)
		r.Get("/tracking/details", s.handleDetails)
		r.Get("/tracking/stream", s.handleStream)
		r.Delete("/transport/connections", s.handleEvictConnections)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSuffix(chi.URLParam(r, "token"), ".gif")
	if token != "" {
		s.deps.Tracking.RecordOpen(r.Context(), token, r.UserAgent(), clientIP(r))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentGIF)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	url, ok := s.deps.Tracking.RecordClick(r.Context(), chi.URLParam(r, "token"), r.UserAgent(), clientIP(r))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, url, http.StatusFound)
}

type attachmentPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type sendRequest struct {
	SenderEmail       string               `json:"senderEmail"`
	CampaignID        string               `json:"campaignId"`
	Subject           string               `json:"subject"`
	Body              string               `json:"body"`
	Recipients        []dispatch.Recipient `json:"recipients"`
	Attachments       []attachmentPayload  `json:"attachments"`
	BatchSize         int                  `json:"batchSize"`
	BatchDelaySeconds float64              `json:"batchDelaySeconds"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var payload sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	attachments, err := decodeAttachments(payload.Attachments)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.deps.Dispatcher.Send(r.Context(), dispatch.Request{
		UserID:      userID,
		SenderEmail: payload.SenderEmail,
		CampaignID:  payload.CampaignID,
		Template: dispatch.Template{
			Subject:     payload.Subject,
			Body:        payload.Body,
			Attachments: attachments,
		},
		Recipients: payload.Recipients,
		BatchSize:  payload.BatchSize,
		BatchDelay: time.Duration(payload.BatchDelaySeconds * float64(time.Second)),
	})
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrCredentialNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, dispatch.ErrCancelled):
		s.logger.Warn("campaign cancelled by client", "campaign", result.CampaignID, "sent", result.SentCount)
		s.respondJSON(w, http.StatusOK, result)
	case err != nil:
		s.logger.Error("send campaign", "user", userID, "error", err)
		http.Error(w, "unable to send campaign", http.StatusInternalServerError)
	default:
		s.respondJSON(w, http.StatusOK, result)
	}
}

func decodeAttachments(in []attachmentPayload) ([]transport.Attachment, error) {
	out := make([]transport.Attachment, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.Filename) == "" {
			return nil, errors.New("attachment filename is required")
		}
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, errors.New("attachment " + a.Filename + " is not valid base64")
		}
		out = append(out, transport.Attachment{Filename: a.Filename, ContentType: a.ContentType, Content: content})
	}
	return out, nil
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Campaigns == nil {
		s.respondJSON(w, http.StatusOK, []store.CampaignSummary{})
		return
	}
	userID, _ := auth.UserID(r.Context())
	campaigns, err := s.deps.Campaigns.ListCampaigns(r.Context(), userID)
	if err != nil {
		s.logger.Error("list campaigns", "user", userID, "error", err)
		http.Error(w, "unable to list campaigns", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, campaigns)
}

// ownerFilter scopes tracking queries to the authenticated caller.
func ownerFilter(r *http.Request) store.Filter {
	userID, _ := auth.UserID(r.Context())
	return store.Filter{UserID: userID, CampaignID: r.URL.Query().Get("campaignId")}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tracking.Stats(r.Context(), ownerFilter(r))
	if err != nil {
		s.logger.Error("tracking stats", "error", err)
		http.Error(w, "unable to load stats", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Tracking.Details(r.Context(), ownerFilter(r))
	if err != nil {
		s.logger.Error("tracking details", "error", err)
		http.Error(w, "unable to load details", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, pagination.Apply(records, pagination.FromQuery(r.URL.Query())))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	filter := ownerFilter(r)
	topic := tracking.UserTopic(filter.UserID)
	if filter.CampaignID != "" {
		topic = tracking.CampaignTopic(filter.UserID, filter.CampaignID)
	}
	ch, unsubscribe := s.deps.Hub.Subscribe(topic)
	defer unsubscribe()

	_, _ = w.Write(sse.Frame("ready", []byte("{}")))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleEvictConnections(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Pool.EvictAll()
	userID, _ := auth.UserID(r.Context())
	s.logger.Info("transport pool reset", "user", userID, "evicted", n)
	s.respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			s.respondText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
