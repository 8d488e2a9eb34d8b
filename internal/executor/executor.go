// Package executor is the reference consumer of due schedule entries.
//
// A Worker polls the engine for due Action entries, claims each one, drafts
// its content, delivers it through the messaging provider on the owner's
// linked account and reports the outcome back. It also resolves due Delay
// entries through Engine.Tick on every poll.
//
// Retry policy lives here, not in the engine: a retryable delivery error
// leaves the claim to lapse so a later poll picks the entry up again. A
// missing sending account pauses the lead until one is linked; any other
// error is reported as a failed step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rasheedb1/cadence/internal/content"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/provider"
)

// Engine is the slice of the engine a Worker drives.
type Engine interface {
	Due(ctx context.Context, limit int) ([]model.ScheduleEntry, error)
	Claim(ctx context.Context, entryID string) (model.ScheduleEntry, error)
	Report(ctx context.Context, o engine.Outcome) (engine.ReportResult, error)
	Tick(ctx context.Context, limit int) (engine.TickResult, error)
	Pause(ctx context.Context, enrollmentID, reason string) (model.LeadEnrollment, error)
}

// Store reads what an entry needs for execution.
type Store interface {
	GetCadence(ctx context.Context, scope model.Scope, id string) (model.Cadence, error)
	GetLead(ctx context.Context, scope model.Scope, id string) (model.Lead, error)
	GetAccount(ctx context.Context, scope model.Scope, provider string) (model.Account, error)
	GetStepInstance(ctx context.Context, id string) (model.StepInstance, error)
}

// Sender delivers messages. *provider.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, msg provider.Message) (provider.SendResult, error)
}

// LinkedInIDAttribute is the lead attribute holding the provider's id of the
// lead's LinkedIn profile.
const LinkedInIDAttribute = "linkedin_id"

// Stats counts what one poll did.
type Stats struct {
	Delays   int
	Claimed  int
	Sent     int
	Failed   int
	Skipped  int
	Deferred int
	Paused   int
}

func (s *Stats) add(o Stats) {
	s.Delays += o.Delays
	s.Claimed += o.Claimed
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Deferred += o.Deferred
	s.Paused += o.Paused
}

// Worker executes due entries.
type Worker struct {
	engine    Engine
	store     Store
	generator content.Generator
	sender    Sender
	channels  map[model.Channel]string

	batchSize    int
	pollInterval time.Duration
	concurrency  int

	mu    sync.Mutex
	stats Stats
}

// Option configures a Worker.
type Option func(*Worker)

// WithBatchSize sets how many due entries one poll fetches. Default: 50.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithPollInterval sets the wait between polls in Run. Default: 30s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithConcurrency sets the number of entries Run executes at once.
// Default: 4.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// New creates a Worker. channels maps every channel the worker delivers on
// to the provider whose account sends it; entries on other channels (calls,
// manual tasks) are left for their own consumers.
func New(e Engine, s Store, g content.Generator, sender Sender, channels map[model.Channel]string, opts ...Option) *Worker {
	w := &Worker{
		engine:       e,
		store:        s,
		generator:    g,
		sender:       sender,
		channels:     channels,
		batchSize:    50,
		pollInterval: 30 * time.Second,
		concurrency:  4,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Stats returns the totals since the worker was created.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) record(s Stats) {
	w.mu.Lock()
	w.stats.add(s)
	w.mu.Unlock()
}

// RunOnce resolves due delays and executes every due entry one after
// another.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	tick, err := w.engine.Tick(ctx, w.batchSize)
	if err != nil {
		return stats, fmt.Errorf("tick: %w", err)
	}
	stats.Delays = tick.Processed
	w.record(Stats{Delays: tick.Processed})

	entries, err := w.engine.Due(ctx, w.batchSize)
	if err != nil {
		return stats, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !w.handles(entry) {
			continue
		}
		stats.add(w.execute(ctx, entry))
	}
	return stats, nil
}

// Run polls until ctx is canceled, executing entries on up to the
// configured number of goroutines.
func (w *Worker) Run(ctx context.Context) error {
	q := newEntryQueue()
	var wg sync.WaitGroup
	for range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.drain(ctx, q)
		}()
	}

	slog.Info("worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.poll(ctx, q)
		select {
		case <-ctx.Done():
			q.Close()
			wg.Wait()
			slog.Info("worker stopped", "queued", q.Len())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context, q *entryQueue) {
	tick, err := w.engine.Tick(ctx, w.batchSize)
	if err != nil {
		slog.Error("tick failed", "error", err)
	} else {
		w.record(Stats{Delays: tick.Processed})
	}

	entries, err := w.engine.Due(ctx, w.batchSize)
	if err != nil {
		slog.Error("poll due entries failed", "error", err)
		return
	}
	queued := 0
	for _, entry := range entries {
		if w.handles(entry) && q.Enqueue(entry) {
			queued++
		}
	}
	if queued > 0 {
		slog.Debug("entries queued", "count", queued)
	}
}

func (w *Worker) drain(ctx context.Context, q *entryQueue) {
	for {
		if entry, ok := q.TryDequeue(); ok {
			w.execute(ctx, entry)
			q.Done(entry.ID)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case _, open := <-q.Wait():
			if !open {
				return
			}
		}
	}
}

func (w *Worker) handles(entry model.ScheduleEntry) bool {
	_, ok := w.channels[entry.Channel]
	return ok && entry.Kind == model.KindAction
}

// execute runs one entry end to end and returns what it did.
func (w *Worker) execute(ctx context.Context, entry model.ScheduleEntry) Stats {
	var stats Stats
	defer func() { w.record(stats) }()

	claimed, err := w.engine.Claim(ctx, entry.ID)
	if engine.IsStaleClaim(err) {
		slog.Debug("entry taken by another worker", "entry", entry.ID)
		return stats
	}
	if err != nil {
		slog.Warn("claim failed", "entry", entry.ID, "error", err)
		return stats
	}
	stats.Claimed++
	log := slog.With("entry", claimed.ID, "enrollment", claimed.EnrollmentID, "step", claimed.StepID)

	report := func(result engine.Result, body, reason string) {
		_, err := w.engine.Report(ctx, engine.Outcome{
			EntryID:    claimed.ID,
			ClaimToken: claimed.ClaimToken,
			Result:     result,
			Content:    body,
			Error:      reason,
		})
		if err != nil {
			log.Error("report failed", "result", result, "error", err)
			return
		}
		switch result {
		case engine.ResultSent:
			stats.Sent++
		case engine.ResultFailed:
			stats.Failed++
		case engine.ResultSkipped:
			stats.Skipped++
		}
	}

	job, err := w.load(ctx, claimed)
	if errors.Is(err, errNoAccount) {
		// Same outcome as enrolling without an account. The claim lapses and
		// the entry is offered again once the lead is resumed.
		reason := fmt.Sprintf("awaiting %s account", w.channels[claimed.Channel])
		if _, err := w.engine.Pause(ctx, claimed.EnrollmentID, reason); err != nil {
			log.Error("pause failed", "error", err)
			return stats
		}
		log.Warn("lead paused", "reason", reason)
		stats.Paused++
		return stats
	}
	if err != nil {
		log.Warn("entry cannot be executed", "error", err)
		report(engine.ResultFailed, "", err.Error())
		return stats
	}
	if job.to == "" {
		log.Info("lead has no recipient for channel", "channel", claimed.Channel)
		report(engine.ResultSkipped, "", fmt.Sprintf("lead has no %s recipient", claimed.Channel))
		return stats
	}

	// A retried entry keeps the draft it already reported.
	draft := job.draft
	if draft.Body == "" {
		draft, err = w.generator.Generate(ctx, content.Request{
			StepID:  claimed.StepID,
			Channel: claimed.Channel,
			Prompt:  job.action.Prompt,
			Subject: job.action.Subject,
			Lead:    job.lead,
		})
		if err != nil {
			log.Warn("content generation failed", "error", err)
			report(engine.ResultFailed, "", err.Error())
			return stats
		}
		if _, err := w.engine.Report(ctx, engine.Outcome{
			EntryID:    claimed.ID,
			ClaimToken: claimed.ClaimToken,
			Result:     engine.ResultGenerated,
			Content:    draft.Body,
		}); err != nil {
			log.Error("report generated content failed", "error", err)
			return stats
		}
	}

	sent, err := w.sender.SendMessage(ctx, provider.Message{
		AccountID:      job.accountID,
		Channel:        string(claimed.Channel),
		To:             job.to,
		Subject:        draft.Subject,
		Body:           draft.Body,
		IdempotencyKey: claimed.ID,
	})
	if err != nil {
		if provider.IsRetryable(err) {
			stats.Deferred++
			log.Warn("delivery deferred, claim will lapse", "error", err)
			return stats
		}
		log.Warn("delivery failed", "error", err)
		report(engine.ResultFailed, draft.Body, err.Error())
		return stats
	}
	log.Info("message sent", "channel", claimed.Channel, "message", sent.MessageID)
	report(engine.ResultSent, draft.Body, "")
	return stats
}

type job struct {
	action    model.ActionConfig
	lead      model.Lead
	accountID string
	to        string
	draft     content.Draft
}

var errNoAccount = errors.New("no active account")

func (w *Worker) load(ctx context.Context, entry model.ScheduleEntry) (job, error) {
	scope := entry.Scope()
	c, err := w.store.GetCadence(ctx, scope, entry.CadenceID)
	if err != nil {
		return job{}, fmt.Errorf("load cadence: %w", err)
	}
	node, ok := c.Graph.Node(entry.StepID)
	if !ok {
		return job{}, fmt.Errorf("step %s is no longer in the cadence graph", entry.StepID)
	}
	action, ok := node.Config.(model.ActionConfig)
	if !ok {
		return job{}, fmt.Errorf("step %s is not an action", entry.StepID)
	}
	lead, err := w.store.GetLead(ctx, scope, entry.LeadID)
	if err != nil {
		return job{}, fmt.Errorf("load lead: %w", err)
	}

	providerName := w.channels[entry.Channel]
	acct, err := w.store.GetAccount(ctx, scope, providerName)
	if err != nil || acct.Status != model.AccountActive || acct.ExternalID == "" {
		return job{}, fmt.Errorf("%w for %s", errNoAccount, providerName)
	}
	j := job{action: action, lead: lead, accountID: acct.ExternalID, to: Recipient(entry.Channel, lead)}

	inst, err := w.store.GetStepInstance(ctx, entry.StepInstanceID)
	if err != nil {
		return job{}, fmt.Errorf("load step instance: %w", err)
	}
	if inst.Status == model.StepGenerated {
		j.draft = content.Draft{Subject: action.Subject, Body: inst.Content}
	}
	return j, nil
}

// Recipient is the address a channel delivers to for lead, or "".
func Recipient(ch model.Channel, lead model.Lead) string {
	switch ch {
	case model.ChannelEmail:
		return lead.Email
	case model.ChannelLinkedInConnect, model.ChannelLinkedInMessage:
		if v, ok := lead.Attributes[LinkedInIDAttribute].(model.String); ok {
			return string(v)
		}
	}
	return ""
}
