// Package orchestrator drives the session state machine.
//
// The Orchestrator resolves or creates the session a submission targets,
// acquires the session lease (at most one run per session across all
// instances), starts the engine and pumps its outputs into the run's
// multiplexer. It owns the run lifecycle: it guarantees exactly one terminal
// event per run, persists the outcome, releases the lease and only then
// publishes the terminal and done events.
//
// State machine:
//
//	created|completed|interrupted|errored --submit--> running
//	running --question--> awaiting_input --answer--> running
//	running|awaiting_input --interrupt--> interrupted
//	running --result--> completed
//	running|awaiting_input --error--> errored
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/repository"
	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// Orchestrator manages runs on this instance.
	Orchestrator struct {
		opts       Options
		repo       *repository.Repository
		leases     *lease.Registry
		engine     engine.Engine
		instanceID string
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		baseCtx    context.Context
		cancelBase context.CancelFunc
		draining   atomic.Bool
		wg         sync.WaitGroup

		mu   sync.Mutex
		runs map[string]*Run
		// starting holds sessions whose lease is acquired but whose run is
		// not registered yet. The channel closes once Start returns.
		starting map[string]chan struct{}
	}

	// Options configure an Orchestrator.
	Options struct {
		// Repository is the session repository. Required.
		Repository *repository.Repository
		// Leases is the active session registry. Required.
		Leases *lease.Registry
		// Engine executes runs. Required.
		Engine engine.Engine
		// InstanceID identifies this instance in leases. Required.
		InstanceID string
		// DefaultModel is used when neither the submission nor the session
		// names a model.
		DefaultModel string
		// LeaseTTL overrides the registry TTL.
		LeaseTTL time.Duration
		// RenewInterval is the lease renewal period. Defaults to a third of
		// the lease TTL, capped at one minute.
		RenewInterval time.Duration
		// MaxRunDuration cancels runs that exceed it. Defaults to 30 minutes.
		MaxRunDuration time.Duration
		// InterruptGrace bounds how long a cancelled engine may take to stop.
		// Defaults to 10s.
		InterruptGrace time.Duration
		// DrainGrace bounds how long Drain waits for in-flight runs before
		// cancelling them. Defaults to 30s.
		DrainGrace time.Duration
		// Mux configures per-run multiplexers.
		Mux mux.Options
		// Router forwards controls to the instance owning a run. Optional.
		Router ControlRouter
		// Index records in-flight sessions for crash recovery. Optional.
		Index InflightIndex
		// Relay republishes run events for other instances. Optional.
		Relay Relay
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// ControlRouter delivers a control message to the instance owning the
	// target run.
	ControlRouter interface {
		Forward(ctx context.Context, instanceID string, c query.Control) error
	}

	// InflightIndex tracks which sessions have runs in flight on which
	// instance.
	InflightIndex interface {
		Add(ctx context.Context, sessionID, instanceID string) error
		Remove(ctx context.Context, sessionID string) error
	}

	// Relay attaches to a run and republishes its events.
	Relay interface {
		Attach(ctx context.Context, r *Run) error
	}

	// Submission describes a request to start a run.
	Submission struct {
		// SessionID targets an existing session. Empty creates a new one.
		SessionID string
		// Fork starts the run on a new session forked from SessionID.
		Fork bool
		// Prompt is the user prompt.
		Prompt string
		// Options configure the run.
		Options query.Options
		// Owner is the caller identity (stored hashed).
		Owner string
		// Tap is the consumer kind attached before the run starts.
		Tap mux.TapKind
	}

	// StatusInfo describes a session and its active run, if any.
	StatusInfo struct {
		Session session.Session `json:"session"`
		Active  bool            `json:"active"`
		// Instance is the ID of the instance owning the active run.
		Instance string `json:"instance,omitempty"`
		// RunID is the ID of the active run.
		RunID string `json:"run_id,omitempty"`
	}

	// RewindResult reports a checkpoint rewind request.
	RewindResult struct {
		SessionID    string `json:"session_id"`
		CheckpointID string `json:"checkpoint_id"`
		MessageRef   string `json:"message_ref"`
		Status       string `json:"status"`
		Restored     bool   `json:"restored"`
	}
)

var (
	errInterrupted = errors.New("interrupted by client")
	errTimeout     = errors.New("maximum run duration exceeded")
	errShutdown    = errors.New("server shutting down")
	errLeaseLost   = errors.New("session lease lost")

	// ErrDraining rejects submissions during shutdown.
	ErrDraining = apperr.New(apperr.KindConflict, "server is shutting down")
	// ErrNoActiveRun indicates a control targeted a session without a run.
	ErrNoActiveRun = apperr.New(apperr.KindConflict, "session has no active run")
	// ErrNoPendingQuestion indicates an answer with nothing to answer.
	ErrNoPendingQuestion = apperr.New(apperr.KindConflict, "session is not awaiting input")
)

// New returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Repository == nil:
		return nil, errors.New("orchestrator: repository is required")
	case opts.Leases == nil:
		return nil, errors.New("orchestrator: lease registry is required")
	case opts.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case opts.InstanceID == "":
		return nil, errors.New("orchestrator: instance id is required")
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = opts.Leases.TTL()
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = min(opts.LeaseTTL/3, time.Minute)
	}
	if opts.MaxRunDuration <= 0 {
		opts.MaxRunDuration = 30 * time.Minute
	}
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = 10 * time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Mux.Logger == nil {
		opts.Mux.Logger = opts.Logger
	}
	if opts.Mux.Metrics == nil {
		opts.Mux.Metrics = opts.Metrics
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:       opts,
		repo:       opts.Repository,
		leases:     opts.Leases,
		engine:     opts.Engine,
		instanceID: opts.InstanceID,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		baseCtx:    base,
		cancelBase: cancel,
		runs:       make(map[string]*Run),
		starting:   make(map[string]chan struct{}),
	}, nil
}

// InstanceID returns the ID used for leases.
func (o *Orchestrator) InstanceID() string { return o.instanceID }

// Start resolves the target session, acquires its lease and starts a run.
// The returned tap of kind sub.Tap is attached before the first event.
func (o *Orchestrator) Start(ctx context.Context, sub Submission) (*Run, *mux.Tap, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start")
	defer span.End()

	if o.draining.Load() {
		return nil, nil, ErrDraining
	}
	if strings.TrimSpace(sub.Prompt) == "" {
		return nil, nil, apperr.Validation("prompt is required")
	}
	if sub.Fork && sub.SessionID == "" {
		return nil, nil, apperr.Validation("fork requires a source session id")
	}
	if err := sub.Options.Validate(); err != nil {
		return nil, nil, err
	}
	if sub.Tap == "" {
		sub.Tap = mux.TapStream
	}
	ownerHash := session.HashOwner(sub.Owner)

	sess, forkFrom, resume, err := o.resolve(ctx, sub, ownerHash)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	runID := uuid.NewString()
	if _, err := o.leases.Acquire(ctx, sess.ID, o.instanceID, runID, o.opts.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			o.metrics.IncCounter(telemetry.MetricLeaseConflict, 1)
		}
		return nil, nil, err
	}
	defer o.markStarting(sess.ID)()
	model := o.modelFor(sub.Options, sess)
	running, err := o.repo.Update(ctx, sess.ID, func(s *session.Session) error {
		s.Status = session.StatusRunning
		s.Model = model
		s.LastError = ""
		s.LastStopReason = ""
		return nil
	})
	if err != nil {
		o.releaseLease(ctx, sess.ID)
		return nil, nil, err
	}
	sess = running

	m := mux.New(o.opts.Mux)
	tap, err := m.Subscribe(sub.Tap, -1)
	if err != nil {
		m.Close()
		o.releaseLease(ctx, sess.ID)
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancelCause(telemetry.MergeContext(o.baseCtx, ctx))
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, o.opts.MaxRunDuration, errTimeout)
	r := &Run{
		sessionID:       sess.ID,
		runID:           runID,
		parentSessionID: sess.ParentSessionID,
		model:           model,
		ownerHash:       sess.OwnerHash,
		options:         sub.Options,
		mux:             m,
		cancel:          cancel,
		startedAt:       time.Now(),
		finished:        make(chan struct{}),
	}

	opts := sub.Options
	opts.Model = model
	er, err := o.engine.Start(runCtx, engine.Request{
		SessionID: sess.ID,
		RunID:     runID,
		Prompt:    sub.Prompt,
		Resume:    resume,
		ForkFrom:  forkFrom,
		Options:   opts,
	})
	if err != nil {
		cancelTimeout()
		cancel(err)
		tap.Close()
		m.Close()
		err = apperr.Upstream("engine.start", err)
		o.persistFailure(ctx, sess.ID, query.StopError, err)
		o.releaseLease(ctx, sess.ID)
		span.RecordError(err)
		return nil, nil, err
	}
	r.engineRun = er

	o.mu.Lock()
	o.runs[sess.ID] = r
	o.mu.Unlock()

	if o.opts.Index != nil {
		if err := o.opts.Index.Add(ctx, sess.ID, o.instanceID); err != nil {
			o.logger.Warn(ctx, "failed to record in-flight session", "session_id", sess.ID, "err", err)
		}
	}
	if o.opts.Relay != nil {
		if err := o.opts.Relay.Attach(runCtx, r); err != nil {
			o.logger.Warn(ctx, "failed to attach event relay", "session_id", sess.ID, "err", err)
		}
	}

	mode := "new"
	switch {
	case sub.Fork:
		mode = "fork"
	case resume:
		mode = "resume"
	}
	o.metrics.IncCounter(telemetry.MetricRunsStarted, 1, "mode", mode)
	o.logger.Info(ctx, "run started", "session_id", sess.ID, "run_id", runID, "mode", mode, "model", model)

	o.wg.Add(1)
	go o.execute(runCtx, cancelTimeout, r)
	return r, tap, nil
}

// resolve returns the session targeted by sub, creating it for new and
// forked submissions.
func (o *Orchestrator) resolve(ctx context.Context, sub Submission, ownerHash string) (sess session.Session, forkFrom string, resume bool, err error) {
	switch {
	case sub.Fork:
		src, err := o.owned(ctx, sub.SessionID, ownerHash)
		if err != nil {
			return session.Session{}, "", false, err
		}
		sess, err = o.repo.Create(ctx, session.Session{
			ID:              uuid.NewString(),
			Status:          session.StatusCreated,
			Model:           o.modelFor(sub.Options, src),
			ParentSessionID: src.ID,
			Mode:            firstNonEmpty(sub.Options.Mode, src.Mode),
			ProjectID:       firstNonEmpty(sub.Options.ProjectID, src.ProjectID),
			Tags:            append(append([]string(nil), src.Tags...), sub.Options.Tags...),
			OwnerHash:       ownerHash,
		})
		return sess, src.ID, false, err
	case sub.SessionID != "":
		sess, err = o.owned(ctx, sub.SessionID, ownerHash)
		if err != nil {
			return session.Session{}, "", false, err
		}
		return sess, "", sess.Status != session.StatusCreated || sess.TotalTurns > 0, nil
	default:
		sess, err = o.repo.Create(ctx, session.Session{
			ID:        uuid.NewString(),
			Status:    session.StatusCreated,
			Model:     o.modelFor(sub.Options, session.Session{}),
			Mode:      sub.Options.Mode,
			ProjectID: sub.Options.ProjectID,
			Tags:      sub.Options.Tags,
			OwnerHash: ownerHash,
		})
		return sess, "", false, err
	}
}

// Control applies a control message to the session's active run, forwarding
// it to the owning instance when the run lives elsewhere.
func (o *Orchestrator) Control(ctx context.Context, c query.Control, owner string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.control")
	defer span.End()

	if err := c.Validate(); err != nil {
		return err
	}
	ownerHash := session.HashOwner(owner)
	if r := o.awaitLocal(ctx, c.SessionID); r != nil {
		if !ownerMatches(r.ownerHash, ownerHash) {
			return session.ErrSessionNotFound
		}
		return o.apply(ctx, r, c)
	}
	if _, err := o.owned(ctx, c.SessionID, ownerHash); err != nil {
		return err
	}
	l, err := o.leases.Get(ctx, c.SessionID)
	if errors.Is(err, lease.ErrNoLease) {
		return ErrNoActiveRun
	}
	if err != nil {
		return err
	}
	if l.Owner == o.instanceID {
		// Lease outlived the local run (finishing or crashed before restart).
		return ErrNoActiveRun
	}
	if o.opts.Router == nil {
		return apperr.Conflict("session is running on instance %s", l.Owner)
	}
	if err := o.opts.Router.Forward(ctx, l.Owner, c); err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.KindStorageUnavailable, "orchestrator.forward", err)
	}
	return nil
}

// ApplyForwarded applies a control forwarded by another instance. The
// forwarding instance already checked ownership.
func (o *Orchestrator) ApplyForwarded(ctx context.Context, c query.Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r := o.awaitLocal(ctx, c.SessionID)
	if r == nil {
		return ErrNoActiveRun
	}
	return o.apply(ctx, r, c)
}

func (o *Orchestrator) apply(ctx context.Context, r *Run, c query.Control) error {
	switch c.Type {
	case query.ControlInterrupt:
		o.logger.Info(ctx, "interrupt requested", "session_id", r.sessionID, "run_id", r.runID)
		r.cancel(errInterrupted)
		return nil
	case query.ControlAnswer:
		return o.answer(ctx, r, c)
	case query.ControlPermissionModeChange:
		if err := r.engineRun.SetPermissionMode(ctx, c.Mode); err != nil {
			return apperr.Wrap(apperr.KindUpstream, "engine.set_permission_mode", err)
		}
		return nil
	}
	return apperr.Validation("unknown control type %q", c.Type)
}

// answer claims the pending question and persists RUNNING before handing the
// answer to the engine, so a follow-up question emitted while the engine
// processes the answer is never overwritten.
func (o *Orchestrator) answer(ctx context.Context, r *Run, c query.Control) error {
	r.mu.Lock()
	pending := r.pendingQuestion
	if pending == "" || (c.QuestionID != "" && c.QuestionID != pending) {
		r.mu.Unlock()
		return ErrNoPendingQuestion
	}
	r.pendingQuestion = ""
	r.mu.Unlock()

	o.setAwaiting(ctx, r, false)
	if err := r.engineRun.Answer(ctx, pending, c.Answer); err != nil {
		r.mu.Lock()
		restored := r.pendingQuestion == ""
		if restored {
			r.pendingQuestion = pending
		}
		r.mu.Unlock()
		if restored {
			o.setAwaiting(ctx, r, true)
		}
		return apperr.Wrap(apperr.KindUpstream, "engine.answer", err)
	}
	return nil
}

// setAwaiting moves the session between RUNNING and AWAITING_INPUT. Sessions
// in any other state are left alone.
func (o *Orchestrator) setAwaiting(ctx context.Context, r *Run, awaiting bool) {
	from, to := session.StatusAwaitingInput, session.StatusRunning
	if awaiting {
		from, to = to, from
	}
	_, err := o.repo.Update(ctx, r.sessionID, func(s *session.Session) error {
		if s.Status == from {
			s.Status = to
		}
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "failed to persist session state", "session_id", r.sessionID, "status", string(to), "err", err)
	}
}

// Get returns a session visible to owner.
func (o *Orchestrator) Get(ctx context.Context, id, owner string) (session.Session, error) {
	return o.owned(ctx, id, session.HashOwner(owner))
}

// Status returns the session with its active run information.
func (o *Orchestrator) Status(ctx context.Context, id, owner string) (StatusInfo, error) {
	sess, err := o.owned(ctx, id, session.HashOwner(owner))
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{Session: sess}
	l, err := o.leases.Get(ctx, id)
	switch {
	case err == nil:
		info.Active = true
		info.Instance = l.Owner
		info.RunID = l.RunID
	case !errors.Is(err, lease.ErrNoLease):
		return StatusInfo{}, err
	}
	return info, nil
}

// List returns the sessions of owner matching f.
func (o *Orchestrator) List(ctx context.Context, f session.ListFilter, owner string) ([]session.Session, error) {
	f.OwnerHash = session.HashOwner(owner)
	return o.repo.List(ctx, f)
}

// Delete removes an idle session and its checkpoints.
func (o *Orchestrator) Delete(ctx context.Context, id, owner string) error {
	if _, err := o.owned(ctx, id, session.HashOwner(owner)); err != nil {
		return err
	}
	active, err := o.leases.IsActive(ctx, id)
	if err != nil {
		return err
	}
	if active {
		return apperr.Conflict("session has an active run")
	}
	return o.repo.Delete(ctx, id)
}

// Checkpoints lists the session checkpoints in creation order.
func (o *Orchestrator) Checkpoints(ctx context.Context, id, owner string) ([]session.Checkpoint, error) {
	if _, err := o.owned(ctx, id, session.HashOwner(owner)); err != nil {
		return nil, err
	}
	return o.repo.ListCheckpoints(ctx, id)
}

// Rewind validates a rewind to a checkpoint. File restoration is not
// performed: the result reports Restored false.
func (o *Orchestrator) Rewind(ctx context.Context, id, checkpointID, owner string) (RewindResult, error) {
	if checkpointID == "" {
		return RewindResult{}, apperr.Validation("checkpoint_id is required")
	}
	if _, err := o.owned(ctx, id, session.HashOwner(owner)); err != nil {
		return RewindResult{}, err
	}
	active, err := o.leases.IsActive(ctx, id)
	if err != nil {
		return RewindResult{}, err
	}
	if active {
		return RewindResult{}, apperr.Conflict("cannot rewind a session with an active run")
	}
	cp, err := o.repo.GetCheckpoint(ctx, id, checkpointID)
	if err != nil {
		return RewindResult{}, err
	}
	return RewindResult{
		SessionID:    id,
		CheckpointID: cp.ID,
		MessageRef:   cp.MessageRef,
		Status:       "validated",
		Restored:     false,
	}, nil
}

// LocalRun returns the run of the session if it executes on this instance.
func (o *Orchestrator) LocalRun(sessionID string) (*Run, bool) {
	r := o.local(sessionID)
	return r, r != nil
}

// Lease returns the active lease of a session visible to owner.
func (o *Orchestrator) Lease(ctx context.Context, sessionID, owner string) (lease.Lease, error) {
	if _, err := o.owned(ctx, sessionID, session.HashOwner(owner)); err != nil {
		return lease.Lease{}, err
	}
	l, err := o.leases.Get(ctx, sessionID)
	if errors.Is(err, lease.ErrNoLease) {
		return lease.Lease{}, ErrNoActiveRun
	}
	return l, err
}

// Recover marks a session errored when its persisted state says a run is in
// flight but no lease exists (the owning instance died). It reports whether
// the session was recovered.
func (o *Orchestrator) Recover(ctx context.Context, sessionID string) (bool, error) {
	if o.local(sessionID) != nil {
		return false, nil
	}
	recovered := false
	_, err := o.repo.Update(ctx, sessionID, func(s *session.Session) error {
		recovered = false
		if !s.Status.Active() {
			return nil
		}
		// Checked under the session lock: a new run acquires its lease
		// before it can update the session.
		active, err := o.leases.IsActive(ctx, sessionID)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		s.Status = session.StatusErrored
		s.LastStopReason = string(query.StopLeaseLost)
		s.LastError = "run owner stopped renewing its lease"
		recovered = true
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if recovered {
		o.logger.Warn(ctx, "recovered orphaned session", "session_id", sessionID)
	}
	return recovered, nil
}

// markStarting records that a run of sessionID is being started and returns
// the function that clears the mark.
func (o *Orchestrator) markStarting(sessionID string) func() {
	ch := make(chan struct{})
	o.mu.Lock()
	o.starting[sessionID] = ch
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		if o.starting[sessionID] == ch {
			delete(o.starting, sessionID)
		}
		o.mu.Unlock()
		close(ch)
	}
}

// awaitLocal returns the local run of sessionID, waiting for a run that is
// still starting on this instance.
func (o *Orchestrator) awaitLocal(ctx context.Context, sessionID string) *Run {
	o.mu.Lock()
	r, ch := o.runs[sessionID], o.starting[sessionID]
	o.mu.Unlock()
	if r != nil || ch == nil {
		return r
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return nil
	}
	return o.local(sessionID)
}

// ActiveRuns returns the number of runs executing on this instance.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Drain stops accepting submissions and waits for in-flight runs. Runs still
// active after the drain grace are cancelled and reported as errored; leases
// of runs that fail to stop are force-released.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.draining.Store(true)
	defer o.cancelBase()

	if o.waitRuns(ctx, o.opts.DrainGrace) {
		return
	}
	o.mu.Lock()
	remaining := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		remaining = append(remaining, r)
	}
	o.mu.Unlock()
	o.logger.Warn(ctx, "drain grace elapsed, cancelling runs", "count", len(remaining))
	for _, r := range remaining {
		r.cancel(errShutdown)
	}
	if o.waitRuns(ctx, o.opts.InterruptGrace+time.Second) {
		return
	}
	o.mu.Lock()
	for _, r := range o.runs {
		o.logger.Error(ctx, "force releasing session", "session_id", r.sessionID, "run_id", r.runID)
		o.persistFailure(ctx, r.sessionID, query.StopShutdown, errShutdown)
		o.releaseLease(ctx, r.sessionID)
	}
	o.mu.Unlock()
}

// Draining reports whether Drain was called.
func (o *Orchestrator) Draining() bool { return o.draining.Load() }

// waitRuns waits up to d for all runs to finish.
func (o *Orchestrator) waitRuns(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) owned(ctx context.Context, id, ownerHash string) (session.Session, error) {
	sess, err := o.repo.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if !ownerMatches(sess.OwnerHash, ownerHash) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (o *Orchestrator) local(sessionID string) *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[sessionID]
}

func (o *Orchestrator) modelFor(opts query.Options, s session.Session) string {
	return firstNonEmpty(opts.Model, s.Model, o.opts.DefaultModel)
}

func (o *Orchestrator) releaseLease(ctx context.Context, sessionID string) {
	if _, err := o.leases.Release(context.WithoutCancel(ctx), sessionID, o.instanceID); err != nil {
		o.logger.Error(ctx, "failed to release lease", "session_id", sessionID, "err", err)
	}
}

func (o *Orchestrator) persistFailure(ctx context.Context, sessionID string, reason query.StopReason, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := o.repo.Update(ctx, sessionID, func(s *session.Session) error {
		s.Status = session.StatusErrored
		s.LastStopReason = string(reason)
		s.LastError = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "failed to persist run failure", "session_id", sessionID, "err", err)
	}
}

// ownerMatches reports whether a caller with hash may access a session owned
// by stored. Sessions without owner are public.
func ownerMatches(stored, hash string) bool {
	return stored == "" || stored == hash
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
