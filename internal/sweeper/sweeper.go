// Package sweeper expires chat and USSD sessions that have been idle past
// the configured timeout, notifying each owner first.
//
// A run pages through stale candidates in id order and handles them one at
// a time. Per-session failures are logged and counted but never abort the
// run; a failed store query does.
package sweeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/notify"
	"github.com/p-blackswan/socialbank/internal/requestid"
	"github.com/p-blackswan/socialbank/internal/session"
)

const (
	DefaultTimeout       = 600 * time.Second
	DefaultPageSize      = 100
	DefaultSendTimeout   = 10 * time.Second
	DefaultUpdateTimeout = 5 * time.Second

	DefaultExpiryMessage = "Your session has expired due to inactivity. Send any message to start a new session."
)

// Session outcomes, used as metric labels.
const (
	OutcomeExpired = "expired"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Run results, used as metric labels.
const (
	RunOK        = "ok"
	RunPartial   = "partial"
	RunCancelled = "cancelled"
	RunError     = "error"
)

const auditActor = "session-expiry-sweeper"

// Config controls a Sweeper. Zero values take the defaults above.
type Config struct {
	Timeout       time.Duration
	FromIdentity  string
	ExpiryMessage string
	PageSize      int
	SendTimeout   time.Duration
	UpdateTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ExpiryMessage == "" {
		c.ExpiryMessage = DefaultExpiryMessage
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = DefaultUpdateTimeout
	}
}

// Result summarises one run.
type Result struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cutoff     time.Time `json:"cutoff"`
	Pages      int       `json:"pages"`
	Candidates int       `json:"candidates"`
	Expired    int       `json:"expired"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Cancelled  bool      `json:"cancelled"`
}

// Duration is the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r Result) status() string {
	switch {
	case r.Cancelled:
		return RunCancelled
	case r.Failed > 0:
		return RunPartial
	default:
		return RunOK
	}
}

// Metrics receives run and per-session counters.
type Metrics interface {
	RecordSession(outcome string)
	RecordRun(result string, duration time.Duration, candidates int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSession(string)                 {}
func (nopMetrics) RecordRun(string, time.Duration, int) {}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithAuditor records an audit entry per notification and status change.
func WithAuditor(a session.Auditor) Option {
	return func(s *Sweeper) { s.auditor = a }
}

// WithMetrics reports counters to m.
func WithMetrics(m Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper is the session expiry job.
type Sweeper struct {
	cfg      Config
	tmpl     *template.Template
	store    session.Store
	notifier notify.Notifier
	auditor  session.Auditor
	metrics  Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a Sweeper. It fails if the expiry message template does not
// parse.
func New(cfg Config, store session.Store, notifier notify.Notifier, logger zerolog.Logger, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: nil session store")
	}
	if notifier == nil {
		return nil, errors.New("sweeper: nil notifier")
	}
	cfg.applyDefaults()

	tmpl, err := template.New("expiry").Option("missingkey=error").Parse(cfg.ExpiryMessage)
	if err != nil {
		return nil, fmt.Errorf("parse expiry message: %w", err)
	}

	s := &Sweeper{
		cfg:      cfg,
		tmpl:     tmpl,
		store:    store,
		notifier: notifier,
		auditor:  session.NopAuditor{},
		metrics:  nopMetrics{},
		now:      time.Now,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config {
	return s.cfg
}

// Run performs one sweep. Cancelling ctx lets the session in hand finish
// and abandons the rest; the partial result is returned with Cancelled set
// and a nil error. A store query failure aborts the run with an error.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	res := Result{
		RunID:     requestid.FromContext(ctx),
		StartedAt: s.now(),
	}
	res.Cutoff = res.StartedAt.Add(-s.cfg.Timeout)
	log := s.logger.With().Str("run_id", res.RunID).Logger()

	log.Info().
		Time("cutoff", res.Cutoff).
		Dur("timeout", s.cfg.Timeout).
		Int("page_size", s.cfg.PageSize).
		Msg("session expiry sweep started")

	afterID := ""
pages:
	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		page, err := s.store.FindStale(ctx, res.Cutoff, afterID, s.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				break
			}
			res.FinishedAt = s.now()
			s.metrics.RecordRun(RunError, res.Duration(), res.Candidates)
			log.Error().Err(err).
				Int("candidates", res.Candidates).
				Int("expired", res.Expired).
				Msg("session expiry sweep aborted: stale session query failed")
			return res, fmt.Errorf("find stale sessions after %q: %w", afterID, err)
		}
		if len(page) > 0 {
			res.Pages++
		}

		for _, sess := range page {
			if ctx.Err() != nil {
				res.Cancelled = true
				break pages
			}
			res.Candidates++
			s.expire(ctx, log, sess, res.Cutoff, &res)
			afterID = sess.ID
		}

		if len(page) < s.cfg.PageSize {
			break
		}
	}

	res.FinishedAt = s.now()
	s.metrics.RecordRun(res.status(), res.Duration(), res.Candidates)

	ev := log.Info()
	if res.Cancelled {
		ev = log.Warn()
	}
	ev.Int("pages", res.Pages).
		Int("candidates", res.Candidates).
		Int("expired", res.Expired).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration()).
		Msg("session expiry sweep finished")

	return res, nil
}

// expire notifies the owner of one candidate and then marks it expired.
// Both calls run on a context detached from ctx so a shutdown does not
// interrupt a candidate half way.
func (s *Sweeper) expire(ctx context.Context, log zerolog.Logger, sess session.Session, cutoff time.Time, res *Result) {
	log = log.With().Str("session_id", sess.ID).Str("sender", sess.Sender).Logger()
	work := context.WithoutCancel(ctx)

	body, err := s.render(sess)
	if err != nil {
		s.fail(work, log, sess.ID, session.AuditActionNotify, res, err, "failed to render expiry message; session left active")
		return
	}

	sendCtx, cancel := context.WithTimeout(work, s.cfg.SendTimeout)
	err = s.notifier.Send(sendCtx, notify.Message{
		SessionID: sess.ID,
		To:        sess.Sender,
		From:      s.cfg.FromIdentity,
		Body:      body,
		DedupeKey: dedupeKey(sess),
	})
	cancel()
	if err != nil {
		s.fail(work, log, sess.ID, session.AuditActionNotify, res, err, "failed to notify session owner; session left active")
		return
	}
	s.audit(work, log, sess.ID, session.AuditActionNotify, session.AuditResultOK, "")

	updateCtx, cancel := context.WithTimeout(work, s.cfg.UpdateTimeout)
	ok, err := s.store.MarkExpired(updateCtx, sess.ID, cutoff)
	cancel()
	if err != nil {
		s.fail(work, log, sess.ID, session.AuditActionExpire, res, err, "owner notified but failed to mark session expired")
		return
	}
	if !ok {
		res.Skipped++
		s.metrics.RecordSession(OutcomeSkipped)
		s.audit(work, log, sess.ID, session.AuditActionExpire, session.AuditResultSkipped, "no longer stale at update")
		log.Info().Msg("session became active or was expired elsewhere; left unchanged")
		return
	}

	res.Expired++
	s.metrics.RecordSession(OutcomeExpired)
	s.audit(work, log, sess.ID, session.AuditActionExpire, session.AuditResultOK, "")
	log.Info().Msg("session expired and owner notified")
}

func (s *Sweeper) fail(ctx context.Context, log zerolog.Logger, id, action string, res *Result, err error, msg string) {
	res.Failed++
	s.metrics.RecordSession(OutcomeFailed)
	s.audit(ctx, log, id, action, session.AuditResultFailed, err.Error())
	log.Error().Err(err).Msg(msg)
}

func (s *Sweeper) audit(ctx context.Context, log zerolog.Logger, id, action, result, details string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UpdateTimeout)
	defer cancel()

	err := s.auditor.LogAudit(ctx, session.AuditEntry{
		Actor:     auditActor,
		Action:    action,
		SessionID: id,
		Result:    result,
		Details:   details,
		CreatedAt: s.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

type messageData struct {
	SessionID   string
	Sender      string
	Channel     string
	IdleMinutes int
	Timeout     time.Duration
}

func (s *Sweeper) render(sess session.Session) (string, error) {
	var buf bytes.Buffer
	err := s.tmpl.Execute(&buf, messageData{
		SessionID:   sess.ID,
		Sender:      sess.Sender,
		Channel:     string(sess.Channel),
		IdleMinutes: int(sess.IdleFor(s.now()).Minutes()),
		Timeout:     s.cfg.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("render expiry message: %w", err)
	}
	return buf.String(), nil
}

// dedupeKey changes whenever the session sees new activity, so a
// reactivated session that goes stale again is notified again.
func dedupeKey(sess session.Session) string {
	return fmt.Sprintf("%s:%d", sess.ID, sess.UpdatedAt.UnixMilli())
}
