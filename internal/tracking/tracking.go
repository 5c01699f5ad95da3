// Package tracking instruments outgoing HTML with an open pixel and
// rewritten links, and turns pixel and redirect hits into engagement
// statistics.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/sse"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
)

const (
	OpenPath  = "/track/open/"
	ClickPath = "/track/click/"

	tokenBytes       = 16
	maxTokenAttempts = 3
)

// hrefPattern matches the href attribute itself, not data-href and the like.
var hrefPattern = regexp.MustCompile(`(?i)(?:^|\s)href\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// Notifier receives engagement events. *sse.Hub satisfies it.
type Notifier interface {
	Broadcast(topics []string, payload []byte)
}

type Registration struct {
	Token    string
	PixelURL string
}

// Outgoing is a personalized message about to be instrumented.
type Outgoing struct {
	UserID         string
	RecipientEmail string
	Subject        string
	CampaignID     string
	Body           string
}

// Instrumented is the result of Instrument. When Err is set, Body is the
// original body without any tracking and the message should be sent as is.
type Instrumented struct {
	Body  string
	Token string
	Links []store.Link
	Err   error
}

func (i Instrumented) Tracked() bool {
	return i.Err == nil && i.Token != ""
}

type Stats struct {
	TotalSent    int `json:"totalSent"`
	TotalOpened  int `json:"totalOpened"`
	OpenRate     int `json:"openRate"`
	TotalClicks  int `json:"totalClicks"`
	UniqueClicks int `json:"uniqueClicks"`
}

// Event is the payload published for each recorded open or click.
type Event struct {
	Type           string    `json:"type"`
	Token          string    `json:"token"`
	RecipientEmail string    `json:"recipientEmail"`
	CampaignID     string    `json:"campaignId,omitempty"`
	URL            string    `json:"url,omitempty"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}

type Service struct {
	baseURL  string
	store    store.TrackingStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	newToken func() (string, error)
}

func NewService(baseURL string, st store.TrackingStore, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		baseURL:  strings.TrimRight(baseURL, "/"),
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		newToken: NewToken,
	}
}

// NewToken returns 32 lowercase hex characters from 16 random bytes.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) PixelURL(token string) string {
	return s.baseURL + OpenPath + token
}

func (s *Service) ClickURL(clickToken string) string {
	return s.baseURL + ClickPath + clickToken
}

// UserTopic is the SSE topic carrying every engagement event of userID.
func UserTopic(userID string) string {
	return "user:" + userID
}

// CampaignTopic is the SSE topic carrying the events of one campaign of userID.
func CampaignTopic(userID, campaignID string) string {
	return "user:" + userID + "/campaign:" + campaignID
}

// Register creates an empty tracking record for one recipient owned by userID.
func (s *Service) Register(ctx context.Context, userID, recipientEmail, subject, campaignID string) (Registration, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return Registration{}, err
		}
		err = s.store.Create(ctx, store.Record{
			Token:          token,
			UserID:         userID,
			RecipientEmail: recipientEmail,
			Subject:        subject,
			CampaignID:     campaignID,
			Links:          []store.Link{},
			CreatedAt:      s.now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return Registration{}, fmt.Errorf("register tracking record: %w", err)
		}
		return Registration{Token: token, PixelURL: s.PixelURL(token)}, nil
	}
	return Registration{}, fmt.Errorf("register tracking record: %w", store.ErrDuplicate)
}

// RewriteLinks replaces every trackable href in body with a click URL and
// stores the mappings on the record for token. Anchors, mailto:, tel:, empty
// targets and existing click URLs are left byte-for-byte unchanged. Stored
// URLs have HTML character references decoded.
func (s *Service) RewriteLinks(ctx context.Context, body, token string) (string, []store.Link, error) {
	matches := hrefPattern.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body, nil, nil
	}

	var (
		out   strings.Builder
		links []store.Link
		last  int
	)
	out.Grow(len(body))
	for _, m := range matches {
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		target := html.UnescapeString(strings.TrimSpace(body[start:end]))
		if !s.trackable(target) {
			continue
		}

		clickToken, err := s.newToken()
		if err != nil {
			return body, nil, err
		}
		links = append(links, store.Link{ClickToken: clickToken, OriginalURL: target})
		out.WriteString(body[last:start])
		out.WriteString(s.ClickURL(clickToken))
		last = end
	}
	if len(links) == 0 {
		return body, nil, nil
	}
	out.WriteString(body[last:])

	if err := s.store.AddLinks(ctx, token, links); err != nil {
		return body, nil, fmt.Errorf("store link mappings: %w", err)
	}
	return out.String(), links, nil
}

func (s *Service) trackable(target string) bool {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return false
	}
	return !strings.HasPrefix(trimmed, s.baseURL+ClickPath)
}

// InjectPixel inserts an invisible 1x1 image before the last closing body
// tag, or appends it when there is none.
func InjectPixel(body, pixelURL string) string {
	pixel := `<img src="` + pixelURL + `" width="1" height="1" alt="" style="display:none;border:0;" />`
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

// Instrument registers a record, rewrites links and injects the pixel.
// Failures are reported in the result, never by panicking.
func (s *Service) Instrument(ctx context.Context, msg Outgoing) Instrumented {
	reg, err := s.Register(ctx, msg.UserID, msg.RecipientEmail, msg.Subject, msg.CampaignID)
	if err != nil {
		return Instrumented{Body: msg.Body, Err: err}
	}
	body, links, err := s.RewriteLinks(ctx, msg.Body, reg.Token)
	if err != nil {
		return Instrumented{Body: msg.Body, Token: reg.Token, Err: err}
	}
	return Instrumented{
		Body:  InjectPixel(body, reg.PixelURL),
		Token: reg.Token,
		Links: links,
	}
}

// RecordOpen counts a pixel hit. Unknown tokens are logged and reported as
// false.
func (s *Service) RecordOpen(ctx context.Context, token, userAgent, ip string) bool {
	rec, err := s.store.RecordOpen(ctx, token, store.Event{At: s.now().UTC(), UserAgent: userAgent, IP: ip})
	if err != nil {
		s.logLookupError("record open", token, err)
		return false
	}
	s.publish(rec, Event{
		Type:           "open",
		Token:          rec.Token,
		RecipientEmail: rec.RecipientEmail,
		CampaignID:     rec.CampaignID,
		Count:          rec.OpenCount,
		At:             *rec.LastOpenedAt,
	})
	return true
}

// RecordClick counts a redirect hit and returns the original URL.
func (s *Service) RecordClick(ctx context.Context, clickToken, userAgent, ip string) (string, bool) {
	rec, link, err := s.store.RecordClick(ctx, clickToken, store.Event{At: s.now().UTC(), UserAgent: userAgent, IP: ip})
	if err != nil {
		s.logLookupError("record click", clickToken, err)
		return "", false
	}
	s.publish(rec, Event{
		Type:           "click",
		Token:          rec.Token,
		RecipientEmail: rec.RecipientEmail,
		CampaignID:     rec.CampaignID,
		URL:            link.OriginalURL,
		Count:          link.ClickCount,
		At:             *link.LastClickedAt,
	})
	return link.OriginalURL, true
}

func (s *Service) logLookupError(msg, token string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn(msg+": unknown token", "token", token)
		return
	}
	s.logger.Error(msg, "token", token, "error", err)
}

func (s *Service) publish(rec store.Record, ev Event) {
	if s.notifier == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode tracking event", "error", err)
		return
	}
	s.notifier.Broadcast([]string{UserTopic(rec.UserID), CampaignTopic(rec.UserID, rec.CampaignID)}, sse.Frame(ev.Type, data))
}

// Stats aggregates engagement over the records matching filter.
func (s *Service) Stats(ctx context.Context, filter store.Filter) (Stats, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return Stats{}, fmt.Errorf("list tracking records: %w", err)
	}
	return Summarize(records), nil
}

// Summarize computes Stats over records.
func Summarize(records []store.Record) Stats {
	stats := Stats{TotalSent: len(records)}
	for _, rec := range records {
		if rec.OpenCount > 0 {
			stats.TotalOpened++
		}
		for _, link := range rec.Links {
			stats.TotalClicks += link.ClickCount
			if link.ClickCount > 0 {
				stats.UniqueClicks++
			}
		}
	}
	if stats.TotalSent > 0 {
		stats.OpenRate = int(math.Round(float64(stats.TotalOpened) * 100 / float64(stats.TotalSent)))
	}
	return stats
}

// Details returns the per-recipient records matching filter.
func (s *Service) Details(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	return records, nil
}
