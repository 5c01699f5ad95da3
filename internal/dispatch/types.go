package dispatch

import (
	"time"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/personalize"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

const (
	MaxRecipients    = 500
	MaxBatchSize     = 50
	DefaultBatchSize = 10
	MaxBatchDelay    = 300 * time.Second
	DefaultStagger   = 300 * time.Millisecond
)

type Recipient struct {
	Email       string            `json:"email"`
	FullName    string            `json:"fullName"`
	CompanyName string            `json:"companyName"`
	JobTitle    string            `json:"jobTitle,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Fields returns the placeholder values for r.
func (r Recipient) Fields() map[string]string {
	fields := make(map[string]string, len(r.Extra)+4)
	for key, value := range r.Extra {
		fields[key] = value
	}
	fields[personalize.FieldFullName] = r.FullName
	fields[personalize.FieldCompanyName] = r.CompanyName
	fields[personalize.FieldJobTitle] = r.JobTitle
	fields[personalize.FieldEmail] = r.Email
	return fields
}

type Template struct {
	Subject     string
	Body        string
	Attachments []transport.Attachment
}

type Request struct {
	UserID      string
	SenderEmail string
	CampaignID  string
	Template    Template
	Recipients  []Recipient
	BatchSize   int
	BatchDelay  time.Duration
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

type Outcome struct {
	RecipientEmail string `json:"recipientEmail"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
	TrackingToken  string `json:"trackingToken,omitempty"`
}

type Result struct {
	CampaignID  string    `json:"campaignId"`
	SenderEmail string    `json:"senderEmail"`
	Total       int       `json:"total"`
	SentCount   int       `json:"sentCount"`
	FailedCount int       `json:"failedCount"`
	Outcomes    []Outcome `json:"outcomes"`
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Status == StatusSent {
		r.SentCount++
	} else {
		r.FailedCount++
	}
}
