// Package dispatch runs a campaign: it personalizes, instruments and sends
// one message per recipient through the pooled transport, paces the run and
// aggregates per-recipient outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/credentials"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/personalize"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/tracking"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

const recordTimeout = 5 * time.Second

// Transport acquires and uses pooled sender connections. *transport.Pool
// implements it.
type Transport interface {
	Acquire(ctx context.Context, cred transport.Credential) (*transport.Conn, error)
	Send(ctx context.Context, conn *transport.Conn, msg transport.Message) error
}

// Tracker instruments a message body. *tracking.Service implements it.
type Tracker interface {
	Instrument(ctx context.Context, msg tracking.Outgoing) tracking.Instrumented
}

type CredentialResolver interface {
	Resolve(ctx context.Context, userID, email string) (transport.Credential, error)
}

// Recorder stores the summary of a finished run.
type Recorder interface {
	RecordCampaign(ctx context.Context, summary store.CampaignSummary) error
}

type Deps struct {
	Transport   Transport
	Tracker     Tracker
	Credentials CredentialResolver
	Recorder    Recorder
	Logger      *slog.Logger

	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
	GenerateID func() string
}

type Options struct {
	// Stagger is the pause between consecutive sends inside a batch.
	Stagger  time.Duration
	FromName string
}

type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.GenerateID == nil {
		deps.GenerateID = uuid.NewString
	}
	if opts.Stagger <= 0 {
		opts.Stagger = DefaultStagger
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Send runs one campaign. Per-recipient failures are reported in the result;
// an error is returned only for rejected requests, an unresolvable sender, or
// cancellation. On cancellation the partial result is returned alongside the
// context error and every recipient not started is recorded as failed.
func (o *Orchestrator) Send(ctx context.Context, req Request) (Result, error) {
	req, err := normalize(req)
	if err != nil {
		return Result{}, err
	}
	if req.CampaignID == "" {
		req.CampaignID = o.deps.GenerateID()
	}

	cred, err := o.deps.Credentials.Resolve(ctx, req.UserID, req.SenderEmail)
	if errors.Is(err, credentials.ErrNotFound) {
		return Result{}, fmt.Errorf("%w for user %q", ErrCredentialNotFound, req.UserID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve sender credential: %w", err)
	}

	logger := o.deps.Logger.With("campaign", req.CampaignID, "sender", cred.Email)
	logger.Info("campaign started", "recipients", len(req.Recipients), "batch_size", req.BatchSize, "batch_delay", req.BatchDelay)

	started := o.deps.Now()
	result := Result{
		CampaignID:  req.CampaignID,
		SenderEmail: cred.Email,
		Total:       len(req.Recipients),
		Outcomes:    make([]Outcome, 0, len(req.Recipients)),
	}

	var (
		terminal error
		runErr   error
	)
	for i, recipient := range req.Recipients {
		if err := ctx.Err(); err != nil {
			runErr = err
			cancelRemaining(&result, req.Recipients[i:])
			break
		}

		var outcome Outcome
		if terminal != nil {
			outcome = failed(recipient.Email, terminal)
		} else {
			var sendErr error
			outcome, sendErr = o.deliver(ctx, logger, cred, req, recipient)
			if transport.IsTerminal(sendErr) {
				terminal = sendErr
				logger.Warn("sender credential rejected, failing remaining recipients", "error", sendErr)
			}
		}
		result.add(outcome)

		if i+1 == len(req.Recipients) || terminal != nil {
			continue
		}
		if err := o.deps.Sleep(ctx, o.pause(i+1, req)); err != nil {
			runErr = err
			cancelRemaining(&result, req.Recipients[i+1:])
			break
		}
	}

	if runErr != nil {
		logger.Warn("campaign cancelled", "sent", result.SentCount, "failed", result.FailedCount, "error", runErr)
	} else {
		logger.Info("campaign finished", "sent", result.SentCount, "failed", result.FailedCount)
	}
	o.record(ctx, logger, req, result, started, runErr != nil)

	if runErr != nil {
		return result, fmt.Errorf("%w: %w", ErrCancelled, runErr)
	}
	return result, nil
}

// pause returns the delay after the n-th recipient (1-based): the batch
// delay on a batch boundary, the stagger otherwise.
func (o *Orchestrator) pause(n int, req Request) time.Duration {
	if n%req.BatchSize == 0 {
		return req.BatchDelay
	}
	return o.opts.Stagger
}

func (o *Orchestrator) deliver(ctx context.Context, logger *slog.Logger, cred transport.Credential, req Request, recipient Recipient) (Outcome, error) {
	fields := recipient.Fields()
	subject := personalize.Render(req.Template.Subject, fields)
	body := personalize.Render(req.Template.Body, fields)

	var token string
	if o.deps.Tracker != nil {
		inst := o.deps.Tracker.Instrument(ctx, tracking.Outgoing{
			UserID:         req.UserID,
			RecipientEmail: recipient.Email,
			Subject:        subject,
			CampaignID:     req.CampaignID,
			Body:           body,
		})
		if inst.Err != nil {
			logger.Warn("tracking unavailable, sending untracked", "recipient", recipient.Email, "error", inst.Err)
		} else {
			token = inst.Token
		}
		body = inst.Body
	}

	msg, err := transport.Compose(transport.Envelope{
		From:        cred.Email,
		FromName:    o.opts.FromName,
		To:          recipient.Email,
		Subject:     subject,
		HTML:        body,
		Headers:     map[string]string{"X-Campaign-Id": req.CampaignID},
		Attachments: req.Template.Attachments,
	})
	if err != nil {
		logger.Error("compose message", "recipient", recipient.Email, "error", err)
		return failed(recipient.Email, err), err
	}

	if err := o.send(ctx, cred, msg); err != nil {
		logger.Warn("send mail", "recipient", recipient.Email, "kind", transport.KindOf(err), "error", err)
		return failed(recipient.Email, err), err
	}
	logger.Debug("mail sent", "recipient", recipient.Email)
	return Outcome{RecipientEmail: recipient.Email, Status: StatusSent, TrackingToken: token}, nil
}

func (o *Orchestrator) send(ctx context.Context, cred transport.Credential, msg transport.Message) error {
	conn, err := o.deps.Transport.Acquire(ctx, cred)
	if err != nil {
		return err
	}
	err = o.deps.Transport.Send(ctx, conn, msg)
	if errors.Is(err, transport.ErrConnClosed) && ctx.Err() == nil {
		// The handle was evicted between acquire and send.
		if conn, err = o.deps.Transport.Acquire(ctx, cred); err != nil {
			return err
		}
		err = o.deps.Transport.Send(ctx, conn, msg)
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, req Request, result Result, started time.Time, cancelled bool) {
	if o.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := o.deps.Recorder.RecordCampaign(ctx, store.CampaignSummary{
		ID:          result.CampaignID,
		UserID:      req.UserID,
		SenderEmail: result.SenderEmail,
		Subject:     req.Template.Subject,
		Total:       result.Total,
		SentCount:   result.SentCount,
		FailedCount: result.FailedCount,
		Cancelled:   cancelled,
		StartedAt:   started.UTC(),
		FinishedAt:  o.deps.Now().UTC(),
	})
	if err != nil {
		logger.Error("record campaign", "error", err)
	}
}

func failed(email string, err error) Outcome {
	return Outcome{RecipientEmail: email, Status: StatusFailed, Error: err.Error()}
}

func cancelRemaining(result *Result, rest []Recipient) {
	for _, recipient := range rest {
		result.add(failed(recipient.Email, ErrCancelled))
	}
}

func normalize(req Request) (Request, error) {
	if len(req.Recipients) == 0 {
		return req, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if len(req.Recipients) > MaxRecipients {
		return req, fmt.Errorf("%w: at most %d recipients per campaign", ErrValidation, MaxRecipients)
	}
	if strings.TrimSpace(req.Template.Subject) == "" {
		return req, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(req.Template.Body) == "" {
		return req, fmt.Errorf("%w: body is required", ErrValidation)
	}
	if req.BatchSize == 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.BatchSize < 1 || req.BatchSize > MaxBatchSize {
		return req, fmt.Errorf("%w: batch size must be between 1 and %d", ErrValidation, MaxBatchSize)
	}
	if req.BatchDelay < 0 || req.BatchDelay > MaxBatchDelay {
		return req, fmt.Errorf("%w: batch delay must be between 0 and %s", ErrValidation, MaxBatchDelay)
	}

	recipients := make([]Recipient, len(req.Recipients))
	for i, recipient := range req.Recipients {
		recipient.Email = strings.TrimSpace(recipient.Email)
		if recipient.Email == "" {
			return req, fmt.Errorf("%w: recipient %d has no email", ErrValidation, i+1)
		}
		recipients[i] = recipient
	}
	req.Recipients = recipients
	return req, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
