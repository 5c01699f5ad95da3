package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/credentials"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/smtpsink"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/tracking"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

const trackingBase = "https://t.example.com"

var goodCred = transport.Credential{Email: "hr@example.com", Secret: "app-pass"}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fakeRecorder struct {
	mu        sync.Mutex
	summaries []store.CampaignSummary
	err       error
}

func (r *fakeRecorder) RecordCampaign(_ context.Context, summary store.CampaignSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, summary)
	return r.err
}

type failingTracker struct{}

func (failingTracker) Instrument(_ context.Context, msg tracking.Outgoing) tracking.Instrumented {
	return tracking.Instrumented{Body: msg.Body, Err: errors.New("tracking store unavailable")}
}

type harness struct {
	sink     *smtpsink.Server
	sleeper  *recordingSleeper
	recorder *fakeRecorder
	tracking store.TrackingStore
	deps     Deps
}

func newHarness(t *testing.T, cred transport.Credential) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sink := smtpsink.New(smtpsink.Config{
		Users:  map[string]string{goodCred.Email: goodCred.Secret},
		Reject: []string{"bounce@example.com"},
	}, logger)
	go func() { _ = sink.Serve(l) }()
	t.Cleanup(func() { _ = sink.Close() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	pool := transport.NewPool(&transport.SMTPDialer{
		Host:           host,
		Port:           port,
		TLSMode:        transport.TLSNone,
		CommandTimeout: 5 * time.Second,
	}, logger, transport.WithCleanupInterval(0))
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "tracking.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{sink: sink, sleeper: &recordingSleeper{}, recorder: &fakeRecorder{}, tracking: st}
	h.deps = Deps{
		Transport:   pool,
		Tracker:     tracking.NewService(trackingBase, st, nil, logger),
		Credentials: credentials.Static{Credential: cred},
		Recorder:    h.recorder,
		Logger:      logger,
		Sleep:       h.sleeper.Sleep,
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.deps, Options{FromName: "Talent Team"})
}

func recipients(emails ...string) []Recipient {
	out := make([]Recipient, len(emails))
	for i, email := range emails {
		name := strings.Split(email, "@")[0]
		out[i] = Recipient{Email: email, FullName: strings.ToUpper(name[:1]) + name[1:], CompanyName: "Initech"}
	}
	return out
}

var template = Template{
	Subject: "Opportunity at {companyName}",
	Body:    `<html><body><p>Hi {fullName},</p><a href="https://jobs.example.com/42">Role</a> <a href="mailto:hr@example.com">reply</a></body></html>`,
}

func TestSend_PartialFailureAndBatchDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)

	res, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("ada@example.com", "bounce@example.com", "grace@example.com"),
		BatchSize:  2,
		BatchDelay: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.SentCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.NotEmpty(t, res.CampaignID)
	assert.Equal(t, "hr@example.com", res.SenderEmail)

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, "ada@example.com", res.Outcomes[0].RecipientEmail)
	assert.Equal(t, StatusSent, res.Outcomes[0].Status)
	assert.Equal(t, "bounce@example.com", res.Outcomes[1].RecipientEmail)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assert.NotEmpty(t, res.Outcomes[1].Error)
	assert.Equal(t, "grace@example.com", res.Outcomes[2].RecipientEmail)
	assert.Equal(t, StatusSent, res.Outcomes[2].Status)

	// Stagger after the first send, the batch delay only between 2 and 3.
	assert.Equal(t, []time.Duration{DefaultStagger, time.Second}, h.sleeper.sleeps)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Opportunity at Initech", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTMLBody, "Hi Ada,")
	assert.Contains(t, msgs[1].HTMLBody, "Hi Grace,")
}

func TestSend_InstrumentsBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)

	res, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		CampaignID: "c-42",
		Template:   template,
		Recipients: recipients("ada@example.com"),
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	token := res.Outcomes[0].TrackingToken
	require.Len(t, token, 32)
	assert.Equal(t, "c-42", res.CampaignID)

	rec, err := h.tracking.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "c-42", rec.CampaignID)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 1)
	html := msgs[0].HTMLBody
	assert.Contains(t, html, trackingBase+"/track/open/"+token)
	assert.Contains(t, html, trackingBase+"/track/click/")
	assert.NotContains(t, html, "https://jobs.example.com/42")
	assert.Contains(t, html, `href="mailto:hr@example.com"`)
	assert.Empty(t, h.sleeper.sleeps)
}

func TestSend_PauseRule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)

	_, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com", "f@example.com", "g@example.com"),
		BatchSize:  3,
		BatchDelay: 30 * time.Second,
	})
	require.NoError(t, err)

	s, d := DefaultStagger, 30*time.Second
	assert.Equal(t, []time.Duration{s, s, d, s, s, d}, h.sleeper.sleeps)
}

func TestSend_ValidationBeforeIO(t *testing.T) {
	t.Parallel()
	many := make([]Recipient, MaxRecipients+1)
	for i := range many {
		many[i] = Recipient{Email: fmt.Sprintf("r%d@example.com", i)}
	}

	cases := map[string]Request{
		"no recipients":  {Template: template},
		"too many":       {Template: template, Recipients: many},
		"empty subject":  {Template: Template{Subject: "  ", Body: "b"}, Recipients: recipients("a@example.com")},
		"empty body":     {Template: Template{Subject: "s"}, Recipients: recipients("a@example.com")},
		"batch too big":  {Template: template, Recipients: recipients("a@example.com"), BatchSize: MaxBatchSize + 1},
		"negative batch": {Template: template, Recipients: recipients("a@example.com"), BatchSize: -1},
		"delay too long": {Template: template, Recipients: recipients("a@example.com"), BatchDelay: MaxBatchDelay + time.Second},
		"negative delay": {Template: template, Recipients: recipients("a@example.com"), BatchDelay: -time.Second},
		"blank email":    {Template: template, Recipients: []Recipient{{Email: " "}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, goodCred)
			_, err := h.orchestrator().Send(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 0, h.sink.Sessions())
			assert.Empty(t, h.recorder.summaries)
		})
	}
}

func TestSend_MissingCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.Credential{})

	_, err := h.orchestrator().Send(context.Background(), Request{UserID: "u1", Template: template, Recipients: recipients("a@example.com")})
	require.ErrorIs(t, err, ErrCredentialNotFound)
	assert.Equal(t, 0, h.sink.Sessions())
}

func TestSend_TerminalAuthFailureShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.Credential{Email: "hr@example.com", Secret: "revoked"})

	res, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.SentCount)
	assert.Equal(t, 3, res.FailedCount)
	for _, o := range res.Outcomes {
		assert.Equal(t, StatusFailed, o.Status)
		assert.Equal(t, res.Outcomes[0].Error, o.Error)
	}
	assert.Equal(t, 1, h.sink.Sessions())
	assert.Empty(t, h.sleeper.sleeps)
}

func TestSend_CancellationReturnsPartialResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := h.orchestrator().Send(ctx, Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, 2, res.FailedCount)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, ErrCancelled.Error(), res.Outcomes[1].Error)
	assert.Equal(t, "c@example.com", res.Outcomes[2].RecipientEmail)
	assert.Len(t, h.sink.Messages(), 1)

	require.Len(t, h.recorder.summaries, 1)
	assert.True(t, h.recorder.summaries[0].Cancelled)
}

func TestSend_TrackingFailureSendsUntracked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)
	h.deps.Tracker = failingTracker{}

	res, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("ada@example.com", "grace@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SentCount)
	assert.Empty(t, res.Outcomes[0].TrackingToken)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].HTMLBody, `href="https://jobs.example.com/42"`)
	assert.NotContains(t, msgs[0].HTMLBody, "/track/open/")
}

func TestSend_RecordsSummary(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)
	h.recorder.err = errors.New("database is down")
	h.deps.GenerateID = func() string { return "fixed-id" }

	res, err := h.orchestrator().Send(context.Background(), Request{
		UserID:     "u1",
		Template:   template,
		Recipients: recipients("ada@example.com", "bounce@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.CampaignID)

	require.Len(t, h.recorder.summaries, 1)
	summary := h.recorder.summaries[0]
	assert.Equal(t, "fixed-id", summary.ID)
	assert.Equal(t, "u1", summary.UserID)
	assert.Equal(t, "hr@example.com", summary.SenderEmail)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.False(t, summary.Cancelled)
}

func TestSend_Attachments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, goodCred)

	tpl := template
	tpl.Attachments = []transport.Attachment{{Filename: "role.pdf", Content: []byte("%PDF-1.4")}}
	_, err := h.orchestrator().Send(context.Background(), Request{UserID: "u1", Template: tpl, Recipients: recipients("ada@example.com")})
	require.NoError(t, err)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "role.pdf", msgs[0].Attachments[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), msgs[0].Attachments[0].Data)
}

func TestRecipientFields(t *testing.T) {
	t.Parallel()
	r := Recipient{Email: "a@example.com", FullName: "Ada", Extra: map[string]string{"city": "London", "fullName": "ignored"}}
	fields := r.Fields()
	assert.Equal(t, "Ada", fields["fullName"])
	assert.Equal(t, "London", fields["city"])
	assert.Equal(t, "", fields["jobTitle"])
}
