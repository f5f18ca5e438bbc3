package negotiation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/rdp"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// Attempt records one try of a combination.
type Attempt struct {
	Number      int           `json:"number"`
	Combination Combination   `json:"combination"`
	Success     bool          `json:"success"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Session is the ordered log of a negotiation run.
type Session struct {
	ID       string    `json:"id"`
	Strategy Strategy  `json:"strategy"`
	Attempts []Attempt `json:"attempts"`
	// Insecure is set when the session ended on plain RDP security.
	Insecure bool `json:"insecure"`
}

// Established is a connection whose security phase completed.
type Established struct {
	Combination      Combination
	SelectedProtocol pdu.NegotiationProtocol
	Session          *Session
	Client           *rdp.Client
}

// Close releases the connection.
func (e *Established) Close() error {
	if e.Client == nil {
		return nil
	}
	return e.Client.Close()
}

type Options struct {
	Connector Connector
	Logger    *zap.Logger
}

type Engine struct {
	connector Connector
	logger    *zap.Logger
}

func New(opts Options) *Engine {
	if opts.Connector == nil {
		opts.Connector = &RDPConnector{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		connector: opts.Connector,
		logger:    opts.Logger,
	}
}

// Negotiate tries the combinations derived from settings until one
// succeeds. Failure returns an *ExhaustedError carrying the session log.
func (e *Engine) Negotiate(ctx context.Context, t target.Target, settings Settings) (*Established, error) {
	settings = effectiveSettings(t, settings).withDefaults()

	candidates, err := settings.Candidates()
	if err != nil {
		return nil, err
	}

	session := &Session{ID: uuid.NewString(), Strategy: settings.Strategy}
	logger := e.logger.With(zap.String("session", session.ID), zap.String("target", t.Address()))
	perMode := settings.perModeCap()

	var best *Attempt
	idx, triesOnCurrent := 0, 0

	for idx < len(candidates) && len(session.Attempts) < settings.MaxRetries {
		combo := candidates[idx]

		// only a retry of the same combination waits
		if triesOnCurrent > 0 && settings.RetryDelay > 0 {
			if err := sleep(ctx, settings.RetryDelay); err != nil {
				return nil, &ExhaustedError{Session: session, Best: best, Cause: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, &ExhaustedError{Session: session, Best: best, Cause: err}
		}

		attempt, est := e.attempt(ctx, t, settings, session, combo)
		triesOnCurrent++

		if attempt.Success {
			if combo.Security == SecurityPlain || settings.Strategy == StrategyPlainOnly {
				session.Insecure = true
				logger.Warn("negotiated without TLS or NLA; traffic is not protected", zap.Stringer("combination", combo))
			}
			logger.Info("negotiation succeeded",
				zap.Stringer("combination", combo),
				zap.Stringer("selected", est.SelectedProtocol),
				zap.Int("attempts", len(session.Attempts)))
			return est, nil
		}

		last := &session.Attempts[len(session.Attempts)-1]
		if best == nil || last.Combination.Security.rank() >= best.Combination.Security.rank() {
			best = last
		}

		logger.Debug("negotiation attempt failed",
			zap.Int("attempt", attempt.Number),
			zap.Stringer("combination", combo),
			zap.Bool("retryable", attempt.Retryable),
			zap.Error(attempt.Err))

		if attempt.Retryable && triesOnCurrent < perMode {
			continue
		}
		idx++
		triesOnCurrent = 0
	}

	// best may point into a slice that grew; take a stable copy
	if best != nil {
		b := *best
		best = &b
	}
	return nil, &ExhaustedError{Session: session, Best: best}
}

func (e *Engine) attempt(ctx context.Context, t target.Target, settings Settings, session *Session, combo Combination) (Attempt, *Established) {
	attemptCtx, cancel := context.WithTimeout(ctx, settings.AttemptTimeout)
	defer cancel()

	start := time.Now()
	client, selected, err := e.connector.Connect(attemptCtx, Request{
		Target:      t,
		Combination: combo,
		Settings:    settings,
		SessionID:   session.ID,
	})

	a := Attempt{
		Number:      len(session.Attempts) + 1,
		Combination: combo,
		Elapsed:     time.Since(start),
	}

	if err == nil {
		a.Success = true
		session.Attempts = append(session.Attempts, a)
		return a, &Established{Combination: combo, SelectedProtocol: selected, Session: session, Client: client}
	}

	if client != nil {
		_ = client.Close()
	}
	a.Err = err
	a.Error = err.Error()
	a.Retryable = IsRetryable(err)
	session.Attempts = append(session.Attempts, a)
	return a, nil
}

// effectiveSettings folds the target's RDP preferences into settings.
func effectiveSettings(t target.Target, s Settings) Settings {
	switch t.RDP.NLA {
	case target.NLADisabled:
		s.EnableCredSSP = false
	case target.NLARequired:
		s.Strategy = StrategyNLAOnly
		s.EnableCredSSP = true
	}
	if t.RDP.CredSSPVersion != 0 {
		s.CredSSPVersion = t.RDP.CredSSPVersion
	}
	if t.TLS.MinVersion != "" {
		s.TLSMinVersion = t.TLS.MinVersion
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
