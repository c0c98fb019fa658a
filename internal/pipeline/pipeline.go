// Package pipeline runs mail through an ordered list of classifier/action
// stages, splitting it by recipient as stages claim subsets of them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/metrics"
)

// Classifier selects the recipients a stage is responsible for.
type Classifier interface {
	Match(ctx context.Context, m *mail.Mail) ([]string, error)
}

// Action performs a stage's side effect on a mail narrowed to the matched
// recipients. It may change m.State to reroute the mail.
type Action interface {
	Service(ctx context.Context, m *mail.Mail) error
}

// ClassifierFunc adapts a function into a Classifier.
type ClassifierFunc func(ctx context.Context, m *mail.Mail) ([]string, error)

// Match implements Classifier.
func (f ClassifierFunc) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	return f(ctx, m)
}

// ActionFunc adapts a function into an Action.
type ActionFunc func(ctx context.Context, m *mail.Mail) error

// Service implements Action.
func (f ActionFunc) Service(ctx context.Context, m *mail.Mail) error {
	return f(ctx, m)
}

// Stage is one classifier/action pair.
type Stage struct {
	Name       string
	Classifier Classifier
	Action     Action
}

// Rerouter takes split copies that leave the pipeline for another state.
// The spool queue satisfies it.
type Rerouter interface {
	Store(m *mail.Mail) error
}

// StageError reports a classifier or action failure on the mail passed to
// Run. The mail's State and LastError are set before it is returned.
type StageError struct {
	Pipeline string
	Stage    string
	MailID   string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s stage %s failed on %s: %v", e.Pipeline, e.Stage, e.MailID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline is a named, ordered stage list with an implicit terminal stage
// that ghosts whatever reaches it.
type Pipeline struct {
	name       string
	stages     []Stage
	errorState string
	reroute    Rerouter
	logger     *slog.Logger
	mlog       *logging.MessageLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRerouter sets where split copies go when an action reroutes them.
func WithRerouter(r Rerouter) Option {
	return func(p *Pipeline) { p.reroute = r }
}

// WithErrorState names the state failed split copies are sent to.
func WithErrorState(state string) Option {
	return func(p *Pipeline) { p.errorState = state }
}

// WithMessageLogger sets the lifecycle logger.
func WithMessageLogger(ml *logging.MessageLogger) Option {
	return func(p *Pipeline) { p.mlog = ml }
}

// New creates a pipeline.
func New(name string, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:       name,
		stages:     append([]Stage(nil), stages...),
		errorState: mail.StateError,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = slog.Default().With("component", "pipeline", "pipeline", name)
	if p.mlog == nil {
		p.mlog = logging.NewMessageLogger(slog.Default())
	}
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// slot holds the mail waiting at one stage. Mail in classify has not met
// the stage's classifier yet; mail in act has been matched and waits for
// the stage's action.
type slot struct {
	classify []*mail.Mail
	act      []*mail.Mail
}

// run tracks one call to Run.
type run struct {
	p     *Pipeline
	input *mail.Mail
	slots []slot
	err   error
}

// Run drives m through the stages until every copy split from it has been
// ghosted, rerouted or failed.
//
// The mail in hand keeps the recipients a stage matched and receives that
// stage's action; a copy with a derived id carries the unmatched
// recipients on to the next stage. When an action changes the state of m
// itself, m leaves the conveyor and Run returns with the new state for the
// caller to resolve. Copies that change state are handed to the Rerouter.
// A failure on m sets m.State to the error state and is returned as a
// *StageError once the remaining copies have drained.
func (p *Pipeline) Run(ctx context.Context, m *mail.Mail) error {
	r := &run{
		p:     p,
		input: m,
		slots: make([]slot, len(p.stages)+1),
	}
	r.slots[0].classify = []*mail.Mail{m}

	for r.pending() {
		r.splitPass(ctx)
		r.actionPass(ctx)
	}
	return r.err
}

func (r *run) pending() bool {
	for i := range r.slots {
		if len(r.slots[i].classify) > 0 || len(r.slots[i].act) > 0 {
			return true
		}
	}
	return false
}

// splitPass classifies every waiting mail. Unmatched recipients move on to
// the next slot, matched ones stay for the action pass.
func (r *run) splitPass(ctx context.Context) {
	last := len(r.slots) - 1
	for i := 0; i <= last; i++ {
		waiting := r.slots[i].classify
		r.slots[i].classify = nil

		for _, m := range waiting {
			if !m.IsLive() {
				r.drop(m)
				continue
			}
			if i == last {
				m.State = mail.StateGhost
				r.drop(m)
				continue
			}

			stage := r.p.stages[i]
			claimed, err := r.match(ctx, stage, m)
			if err != nil {
				r.fail(m, stage, fmt.Errorf("classifier: %w", err))
				continue
			}
			matched, unmatched := partition(m.Recipients, claimed)

			switch {
			case len(matched) == 0:
				r.slots[i+1].classify = append(r.slots[i+1].classify, m)
			case len(unmatched) == 0:
				r.slots[i].act = append(r.slots[i].act, m)
			default:
				rest := m.Duplicate(mail.DerivedID(m.ID))
				rest.SetRecipients(unmatched)
				m.SetRecipients(matched)
				r.p.logger.Debug("mail split",
					"stage", stage.Name,
					"message_id", m.ID,
					"split_id", rest.ID,
					"matched", len(matched),
					"unmatched", len(unmatched),
				)
				r.slots[i].act = append(r.slots[i].act, m)
				r.slots[i+1].classify = append(r.slots[i+1].classify, rest)
			}
		}
	}
}

// actionPass runs each stage's action on its matched mail, from the last
// stage back to the first, and moves the results on.
func (r *run) actionPass(ctx context.Context) {
	for i := len(r.p.stages) - 1; i >= 0; i-- {
		ready := r.slots[i].act
		r.slots[i].act = nil

		stage := r.p.stages[i]
		for _, m := range ready {
			before := m.State
			start := time.Now()
			err := r.service(ctx, stage, m)
			metrics.StageDuration.WithLabelValues(r.p.name, stage.Name).Observe(time.Since(start).Seconds())
			if err != nil {
				r.fail(m, stage, fmt.Errorf("action: %w", err))
				continue
			}

			switch {
			case !m.IsLive():
				r.drop(m)
			case m.State != before:
				r.leave(m)
			default:
				r.slots[i+1].classify = append(r.slots[i+1].classify, m)
			}
		}
	}
}

// match and service turn a panic in a stage into a stage failure, so the
// copies already split off still drain.
func (r *run) match(ctx context.Context, stage Stage, m *mail.Mail) (claimed []string, err error) {
	defer r.recoverStage(stage, m, &err)
	return stage.Classifier.Match(ctx, m)
}

func (r *run) service(ctx context.Context, stage Stage, m *mail.Mail) (err error) {
	defer r.recoverStage(stage, m, &err)
	return stage.Action.Service(ctx, m)
}

func (r *run) recoverStage(stage Stage, m *mail.Mail, err *error) {
	rec := recover()
	if rec == nil {
		return
	}
	r.p.logger.Error("Panic in stage",
		"stage", stage.Name,
		"message_id", m.ID,
		"panic", rec,
		"stack", string(debug.Stack()),
	)
	*err = fmt.Errorf("panic: %v", rec)
}

// drop discards a mail that is ghosted or has no recipients left.
func (r *run) drop(m *mail.Mail) {
	if m == r.input {
		m.State = mail.StateGhost
	}
	r.p.mlog.LogGhost(r.context(m, ""))
}

// leave takes a mail whose state was changed by an action off the conveyor.
func (r *run) leave(m *mail.Mail) {
	r.p.mlog.LogReroute(r.context(m, ""))
	if m == r.input {
		return
	}
	r.rerouteCopy(m)
}

// fail marks m as failed at stage.
func (r *run) fail(m *mail.Mail, stage Stage, err error) {
	metrics.StageErrors.WithLabelValues(r.p.name, stage.Name).Inc()
	m.LastError = err.Error()

	if m == r.input {
		m.State = r.p.errorState
		r.err = &StageError{Pipeline: r.p.name, Stage: stage.Name, MailID: m.ID, Err: err}
		return
	}

	r.p.logger.Error("Stage failed on split copy",
		"stage", stage.Name,
		"message_id", m.ID,
		"error", err,
	)
	if r.p.name == r.p.errorState {
		m.State = mail.StateGhost
		r.p.mlog.LogGhost(r.context(m, stage.Name))
		return
	}
	m.State = r.p.errorState
	r.rerouteCopy(m)
}

func (r *run) rerouteCopy(m *mail.Mail) {
	if r.p.reroute == nil {
		r.p.logger.Error("No rerouter configured, split copy discarded", "message_id", m.ID, "state", m.State)
		return
	}
	if err := r.p.reroute.Store(m); err != nil {
		r.p.logger.Error("Failed to reroute split copy", "message_id", m.ID, "state", m.State, "error", err)
	}
}

func (r *run) context(m *mail.Mail, stage string) logging.MessageContext {
	ctx := logging.ContextFor(m)
	ctx.Pipeline = r.p.name
	ctx.Stage = stage
	return ctx
}

// partition splits recipients into those named in claimed and the rest.
// Claimed addresses that are not recipients are ignored.
func partition(recipients, claimed []string) (matched, unmatched []string) {
	set := make(map[string]struct{}, len(claimed))
	for _, c := range claimed {
		set[c] = struct{}{}
	}
	for _, r := range recipients {
		if _, ok := set[r]; ok {
			matched = append(matched, r)
		} else {
			unmatched = append(unmatched, r)
		}
	}
	return matched, unmatched
}
