package store

import (
	"context"
	"time"
)

// Record is the tracking state of one sent message.
type Record struct {
	Token          string     `json:"token"`
	UserID         string     `json:"userId,omitempty"`
	RecipientEmail string     `json:"recipientEmail"`
	Subject        string     `json:"subject,omitempty"`
	CampaignID     string     `json:"campaignId,omitempty"`
	OpenCount      int        `json:"openCount"`
	FirstOpenedAt  *time.Time `json:"firstOpenedAt,omitempty"`
	LastOpenedAt   *time.Time `json:"lastOpenedAt,omitempty"`
	UserAgent      string     `json:"userAgent,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	Links          []Link     `json:"links"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Link maps a click token to the URL it replaced.
type Link struct {
	ClickToken     string     `json:"clickToken"`
	OriginalURL    string     `json:"originalUrl"`
	ClickCount     int        `json:"clickCount"`
	FirstClickedAt *time.Time `json:"firstClickedAt,omitempty"`
	LastClickedAt  *time.Time `json:"lastClickedAt,omitempty"`
	UserAgent      string     `json:"userAgent,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
}

// Event describes one open or click hit.
type Event struct {
	At        time.Time
	UserAgent string
	IP        string
}

// MarkOpened applies an open event. FirstOpenedAt is only set once.
func (r *Record) MarkOpened(ev Event) {
	at := ev.At
	r.OpenCount++
	if r.FirstOpenedAt == nil {
		first := at
		r.FirstOpenedAt = &first
	}
	r.LastOpenedAt = &at
	if ev.UserAgent != "" {
		r.UserAgent = ev.UserAgent
	}
	if ev.IP != "" {
		r.IPAddress = ev.IP
	}
}

// MarkClicked applies a click event. FirstClickedAt is only set once.
func (l *Link) MarkClicked(ev Event) {
	at := ev.At
	l.ClickCount++
	if l.FirstClickedAt == nil {
		first := at
		l.FirstClickedAt = &first
	}
	l.LastClickedAt = &at
	if ev.UserAgent != "" {
		l.UserAgent = ev.UserAgent
	}
	if ev.IP != "" {
		l.IPAddress = ev.IP
	}
}

// LinkIndex returns the position of clickToken in r.Links or -1.
func (r *Record) LinkIndex(clickToken string) int {
	for i := range r.Links {
		if r.Links[i].ClickToken == clickToken {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.FirstOpenedAt = cloneTime(r.FirstOpenedAt)
	out.LastOpenedAt = cloneTime(r.LastOpenedAt)
	out.Links = make([]Link, len(r.Links))
	for i, link := range r.Links {
		link.FirstClickedAt = cloneTime(link.FirstClickedAt)
		link.LastClickedAt = cloneTime(link.LastClickedAt)
		out.Links[i] = link
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TrackingStore persists tracking records. Implementations must apply each
// open or click atomically so concurrent events never lose updates.
type TrackingStore interface {
	Create(ctx context.Context, record Record) error
	AddLinks(ctx context.Context, token string, links []Link) error
	RecordOpen(ctx context.Context, token string, ev Event) (Record, error)
	RecordClick(ctx context.Context, clickToken string, ev Event) (Record, Link, error)
	Get(ctx context.Context, token string) (Record, error)
	// List returns the records matching filter in creation order.
	List(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

// Filter narrows List. Empty fields match every record.
type Filter struct {
	UserID     string
	CampaignID string
}

func (f Filter) Match(rec *Record) bool {
	return (f.UserID == "" || rec.UserID == f.UserID) &&
		(f.CampaignID == "" || rec.CampaignID == f.CampaignID)
}

// CampaignSummary is the recorded outcome of one dispatch run.
type CampaignSummary struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SenderEmail string    `json:"senderEmail"`
	Subject     string    `json:"subject"`
	Total       int       `json:"total"`
	SentCount   int       `json:"sentCount"`
	FailedCount int       `json:"failedCount"`
	Cancelled   bool      `json:"cancelled"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// SenderAccount is a stored sender mailbox. The secret stays sealed here;
// only the credentials package can open it.
type SenderAccount struct {
	ID           int64
	UserID       string
	Email        string
	SealedSecret []byte
	IsDefault    bool
	CreatedAt    time.Time
}
