// Package accounts links owners' external provider accounts and gates
// channel scheduling on them.
//
// Linking is asynchronous on the provider side and its failure path sends no
// notification, so after the user returns from the hosted auth flow the
// Linker polls the provider's account list with the readiness verifier.
// Every link flow gets a new attempt number; only a verification carrying the
// newest attempt may resolve the account, so a slow, superseded poll can
// never mark an account active.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/provider"
	"github.com/rasheedb1/cadence/internal/readiness"
)

// ErrSuperseded reports a callback or verification for a link attempt that
// is no longer the newest, or that already resolved.
var ErrSuperseded = errors.New("link attempt superseded")

// ErrUnknownProvider reports a provider with no readiness schedule.
var ErrUnknownProvider = errors.New("unknown provider")

// Store is the account persistence the Linker needs. *store.Store
// implements it.
type Store interface {
	GetAccount(ctx context.Context, scope model.Scope, provider string) (model.Account, error)
	BeginLinkAttempt(ctx context.Context, scope model.Scope, provider, id string, at time.Time) (model.Account, error)
	ActivateAccount(ctx context.Context, id string, attempt int64, externalID string, at time.Time) (bool, error)
	FailAccount(ctx context.Context, id string, attempt int64, reason string, at time.Time) (bool, error)
}

// Provider is the slice of the provider API used for linking.
// *provider.Client implements it.
type Provider interface {
	CreateAuthLink(ctx context.Context, req provider.AuthLinkRequest) (provider.AuthLink, error)
	ListAccounts(ctx context.Context) ([]provider.RemoteAccount, error)
}

// IDGenerator generates account ids.
type IDGenerator interface {
	Generate() string
}

// remoteTypes maps provider names to the provider API's account types.
var remoteTypes = map[string]string{
	"gmail":    "GOOGLE",
	"outlook":  "OUTLOOK",
	"linkedin": "LINKEDIN",
}

// RemoteType returns the provider API account type for name.
func RemoteType(name string) string {
	if t, ok := remoteTypes[name]; ok {
		return t
	}
	return strings.ToUpper(name)
}

// Linker runs account link flows.
type Linker struct {
	store     Store
	provider  Provider
	verifier  *readiness.Verifier
	schedules map[string]readiness.Schedule
	ids       IDGenerator
	now       func() time.Time
	linkTTL   time.Duration
	redirect  string
	slots     chan struct{}
}

// Option configures a Linker.
type Option func(*Linker)

// WithNow sets the time source for stored timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

// WithRedirectURL sets where the hosted auth flow sends the user back.
// The callback parameters are appended by the provider.
func WithRedirectURL(u string) Option {
	return func(l *Linker) { l.redirect = u }
}

// WithMaxInFlight caps concurrent verifications. Default: 16.
func WithMaxInFlight(n int) Option {
	return func(l *Linker) {
		if n > 0 {
			l.slots = make(chan struct{}, n)
		}
	}
}

// NewLinker creates a Linker. schedules holds the readiness schedule for
// every provider that can be linked.
func NewLinker(s Store, p Provider, v *readiness.Verifier, schedules map[string]readiness.Schedule, ids IDGenerator, opts ...Option) *Linker {
	l := &Linker{
		store:     s,
		provider:  p,
		verifier:  v,
		schedules: schedules,
		ids:       ids,
		now:       func() time.Time { return time.Now().UTC() },
		linkTTL:   time.Hour,
		slots:     make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LinkName is the name a link attempt's account carries at the provider.
func LinkName(accountID string, attempt int64) string {
	return accountID + ":" + strconv.FormatInt(attempt, 10)
}

// StartResult is a started link flow.
type StartResult struct {
	Account model.Account `json:"account"`
	URL     string        `json:"url"`
}

// Start begins a new link attempt for the owner's provider account and
// returns the hosted auth URL. Any attempt still in flight is superseded.
func (l *Linker) Start(ctx context.Context, scope model.Scope, providerName string) (StartResult, error) {
	if _, ok := l.schedules[providerName]; !ok {
		return StartResult{}, fmt.Errorf("start link: %w: %s", ErrUnknownProvider, providerName)
	}
	acct, err := l.store.BeginLinkAttempt(ctx, scope, providerName, l.ids.Generate(), l.now())
	if err != nil {
		return StartResult{}, fmt.Errorf("start link: %w", err)
	}

	link, err := l.provider.CreateAuthLink(ctx, provider.AuthLinkRequest{
		Provider:   RemoteType(providerName),
		Name:       LinkName(acct.ID, acct.LinkAttempt),
		SuccessURL: l.callbackURL(acct, "success"),
		FailureURL: l.callbackURL(acct, "failure"),
		ExpiresOn:  l.now().Add(l.linkTTL),
	})
	if err != nil {
		if _, ferr := l.store.FailAccount(ctx, acct.ID, acct.LinkAttempt, "create auth link: "+err.Error(), l.now()); ferr != nil {
			return StartResult{}, errors.Join(err, ferr)
		}
		return StartResult{}, fmt.Errorf("start link: %w", err)
	}
	slog.Info("link started", "provider", providerName, "account", acct.ID, "attempt", acct.LinkAttempt)
	return StartResult{Account: acct, URL: link.URL}, nil
}

func (l *Linker) callbackURL(acct model.Account, status string) string {
	if l.redirect == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(l.redirect, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%saccount=%s&attempt=%d&status=%s", l.redirect, sep, acct.ID, acct.LinkAttempt, status)
}

// ConfirmResult is the resolution of one link attempt.
type ConfirmResult struct {
	Account model.Account     `json:"account"`
	Outcome readiness.Outcome `json:"-"`
}

// Confirm consumes the auth flow's callback and verifies the link.
//
// A failure callback fails the attempt without polling. A success callback
// polls the provider on the provider's readiness schedule: Ready activates the
// account, Timeout and HardError fail it with the outcome as last error, and
// Canceled leaves it pending with nothing applied. Callbacks for an older
// attempt return ErrSuperseded.
func (l *Linker) Confirm(ctx context.Context, scope model.Scope, providerName string, cb Callback) (ConfirmResult, error) {
	sched, ok := l.schedules[providerName]
	if !ok {
		return ConfirmResult{}, fmt.Errorf("confirm link: %w: %s", ErrUnknownProvider, providerName)
	}
	acct, err := l.store.GetAccount(ctx, scope, providerName)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("confirm link: %w", err)
	}
	if acct.ID != cb.AccountID || acct.LinkAttempt != cb.Attempt || acct.Status != model.AccountPending {
		return ConfirmResult{Account: acct}, fmt.Errorf("confirm link: attempt %d of %s: %w", cb.Attempt, cb.AccountID, ErrSuperseded)
	}

	if !cb.Success {
		reason := "linking canceled or rejected at provider"
		if cb.Reason != "" {
			reason = cb.Reason
		}
		return l.resolve(ctx, scope, acct, providerName, readiness.Outcome{Kind: readiness.HardError, Err: errors.New(reason)}, "")
	}

	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	case <-ctx.Done():
		return ConfirmResult{Account: acct}, ctx.Err()
	}

	var externalID string
	name := LinkName(acct.ID, acct.LinkAttempt)
	out := l.verifier.Verify(ctx, sched, func(ctx context.Context) (bool, error) {
		remote, err := l.provider.ListAccounts(ctx)
		if err != nil {
			if provider.IsRetryable(err) {
				slog.Debug("account list unavailable, retrying", "provider", providerName, "error", err)
				return false, nil
			}
			return false, err
		}
		for _, ra := range remote {
			if ra.Name != name {
				continue
			}
			switch ra.Status {
			case provider.StatusOK:
				externalID = ra.ID
				return true, nil
			case provider.StatusError, provider.StatusCredential:
				return false, fmt.Errorf("provider reports account %s as %s", ra.ID, ra.Status)
			}
		}
		return false, nil
	})
	slog.Info("link verification finished", "provider", providerName, "account", acct.ID, "attempt", acct.LinkAttempt, "outcome", out.Kind, "attempts", out.Attempts, "elapsed", out.Elapsed)
	return l.resolve(ctx, scope, acct, providerName, out, externalID)
}

func (l *Linker) resolve(ctx context.Context, scope model.Scope, acct model.Account, providerName string, out readiness.Outcome, externalID string) (ConfirmResult, error) {
	var (
		applied bool
		err     error
	)
	switch out.Kind {
	case readiness.Ready:
		applied, err = l.store.ActivateAccount(ctx, acct.ID, acct.LinkAttempt, externalID, l.now())
	case readiness.Canceled:
		return ConfirmResult{Account: acct, Outcome: out}, nil
	default:
		// The caller may have gone away; the attempt still has to resolve.
		applied, err = l.store.FailAccount(context.WithoutCancel(ctx), acct.ID, acct.LinkAttempt, out.String(), l.now())
	}
	if err != nil {
		return ConfirmResult{Account: acct, Outcome: out}, fmt.Errorf("confirm link: %w", err)
	}

	current, gerr := l.store.GetAccount(ctx, scope, providerName)
	if gerr != nil {
		current = acct
	}
	res := ConfirmResult{Account: current, Outcome: out}
	if !applied {
		slog.Warn("stale link verification discarded", "provider", providerName, "account", acct.ID, "attempt", acct.LinkAttempt, "current_attempt", current.LinkAttempt)
		return res, fmt.Errorf("confirm link: attempt %d: %w", acct.LinkAttempt, ErrSuperseded)
	}
	return res, nil
}
