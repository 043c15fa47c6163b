package chain

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
)

// Observer receives engine lifecycle events. pkg/metrics provides a
// Prometheus-backed implementation; NopObserver discards everything.
type Observer interface {
	ChainSubmitted()
	ChainCompleted()
	ChainFailed(stage Kind)
	UnitDispatched(kind Kind)
	UnitFinished(kind Kind, outcome Outcome, d time.Duration)
	UnitSkipped(kind Kind)
	UnitParked(kind Kind)
	WatchdogExpired(kind Kind)
}

// NopObserver is an Observer that does nothing.
type NopObserver struct{}

func (NopObserver) ChainSubmitted() {}

func (NopObserver) ChainCompleted() {}

func (NopObserver) ChainFailed(Kind) {}

func (NopObserver) UnitDispatched(Kind) {}

func (NopObserver) UnitFinished(Kind, Outcome, time.Duration) {}

func (NopObserver) UnitSkipped(Kind) {}

func (NopObserver) UnitParked(Kind) {}

func (NopObserver) WatchdogExpired(Kind) {}

// Config configures the engine.
type Config struct {
	// Workers is the number of concurrent unit executors.
	// Default: 4
	Workers int

	// WatchdogInterval is how often stuck units are scanned for.
	// Default: 30 seconds
	WatchdogInterval time.Duration

	// WatchdogTimeout marks a dispatched unit failed when it has not reported
	// an outcome within this interval. Chains must never sit in RUNNING
	// forever because one handler hung.
	// Default: 15 minutes
	WatchdogTimeout time.Duration

	// Logger receives engine logs. Default: a discard logger.
	Logger *log.Logger

	// Observer receives engine events. Default: NopObserver.
	Observer Observer
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Workers:          4,
		WatchdogInterval: 30 * time.Second,
		WatchdogTimeout:  15 * time.Minute,
	}
}

// =============================================================================
// Internal State
// =============================================================================

type nodeStatus uint8

const (
	nodePending nodeStatus = iota
	nodeQueued
	nodeRunning
	nodeSucceeded
	nodeFailed
	nodeSkipped
)

func (s nodeStatus) terminal() bool {
	return s == nodeSucceeded || s == nodeFailed || s == nodeSkipped
}

type predEdge struct {
	id      uuid.UUID
	require Outcome
}

type nodeState struct {
	unit      *Unit
	preds     []predEdge
	satisfied int
	status    nodeStatus
	startedAt time.Time
}

type chainState struct {
	token  uuid.UUID
	nodes  map[uuid.UUID]*nodeState
	failed bool
}

func (cs *chainState) allTerminal() bool {
	for _, n := range cs.nodes {
		if !n.status.terminal() {
			return false
		}
	}
	return true
}

type pairKey struct {
	kind   Kind
	target string
}

type task struct {
	token uuid.UUID
	unit  *Unit
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the orchestrator instance: it owns its worker pool and chain
// state and is passed by reference to all submitters. There is no global
// dispatch registry.
type Engine struct {
	cfg      *Config
	store    *TokenStore
	handlers map[Kind]Handler
	logger   *log.Logger
	observer Observer

	mu        sync.Mutex
	cond      *sync.Cond
	ready     []*task
	chains    map[uuid.UUID]*chainState
	unitChain map[uuid.UUID]uuid.UUID
	inflight  map[pairKey]uuid.UUID
	parked    map[pairKey][]*task

	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine persisting chain state through store.
func NewEngine(cfg *Config, store *TokenStore) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		handlers:  make(map[Kind]Handler),
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		chains:    make(map[uuid.UUID]*chainState),
		unitChain: make(map[uuid.UUID]uuid.UUID),
		inflight:  make(map[pairKey]uuid.UUID),
		parked:    make(map[pairKey][]*task),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Register binds a handler to a unit kind. Must be called before Start.
func (e *Engine) Register(kind Kind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Start launches the worker pool and the watchdog.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.E(errors.KindInternal, "chain.Engine.Start", "engine already running")
	}
	e.running = true
	e.stopped = false
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.wg.Add(1)
	go e.watchdog(ctx, e.stopCh)

	e.logger.Info("engine started", "workers", e.cfg.Workers, "watchdog_timeout", e.cfg.WatchdogTimeout)
	return nil
}

// Stop stops accepting work and waits for in-flight units to finish. Already
// dispatched units run to completion; pending successors stay undispatched.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stopped = true
	close(e.stopCh)
	e.cond.Broadcast()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return errors.E(errors.KindTimeout, "chain.Engine.Stop", "stop timed out", ctx.Err())
	}
}

// =============================================================================
// Submission
// =============================================================================

// Submit records the chain rooted at root and returns its token. The DAG
// shape is captured now and never mutated mid-flight. Submit returns as soon
// as the chain is recorded, before any unit runs; dispatch is asynchronous.
func (e *Engine) Submit(root *Unit) (uuid.UUID, error) {
	const op = "chain.Engine.Submit"

	if root == nil {
		return uuid.Nil, errors.E(errors.KindValidation, op, "root unit is required")
	}

	nodes, err := e.flatten(root)
	if err != nil {
		return uuid.Nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return uuid.Nil, errors.E(errors.KindInternal, op, "engine is not running")
	}
	for _, n := range nodes {
		if _, ok := e.handlers[n.unit.Kind]; !ok {
			return uuid.Nil, errors.E(errors.KindValidation, op, fmt.Sprintf("no handler registered for kind %q", n.unit.Kind))
		}
	}

	token := uuid.New()
	if err := e.store.Create(token); err != nil {
		return uuid.Nil, err
	}

	cs := &chainState{token: token, nodes: make(map[uuid.UUID]*nodeState, len(nodes))}
	for _, n := range nodes {
		cs.nodes[n.unit.ID] = n
		e.unitChain[n.unit.ID] = token
	}
	e.chains[token] = cs

	e.observer.ChainSubmitted()
	e.logger.Debug("chain submitted", "token", token, "units", len(nodes), "root_kind", root.Kind)

	e.enqueueLocked(cs, cs.nodes[root.ID])
	return token, nil
}

// flatten walks the declared successor graph, assigns predecessor edges, and
// rejects cycles. The same *Unit reachable through several predecessors is a
// merge point: it gets one node with multiple predecessor edges.
func (e *Engine) flatten(root *Unit) (map[uuid.UUID]*nodeState, error) {
	const op = "chain.Engine.Submit"

	nodes := make(map[uuid.UUID]*nodeState)

	var visit func(u *Unit, path map[uuid.UUID]bool) error
	visit = func(u *Unit, path map[uuid.UUID]bool) error {
		if path[u.ID] {
			return errors.E(errors.KindValidation, op, "unit graph contains a cycle")
		}
		if _, seen := nodes[u.ID]; seen {
			return nil
		}
		nodes[u.ID] = &nodeState{unit: u}

		path[u.ID] = true
		for _, next := range u.successors {
			if err := visit(next, path); err != nil {
				return err
			}
			nodes[next.ID].preds = append(nodes[next.ID].preds, predEdge{id: u.ID, require: OutcomeSuccess})
		}
		for _, next := range u.failureSuccessors {
			if err := visit(next, path); err != nil {
				return err
			}
			nodes[next.ID].preds = append(nodes[next.ID].preds, predEdge{id: u.ID, require: OutcomeFailure})
		}
		delete(path, u.ID)
		return nil
	}

	if err := visit(root, make(map[uuid.UUID]bool)); err != nil {
		return nil, err
	}
	if len(nodes[root.ID].preds) != 0 {
		return nil, errors.E(errors.KindValidation, op, "root unit must have no predecessors")
	}
	return nodes, nil
}

// enqueueLocked makes a node runnable, honoring the at-most-one-in-flight
// policy: if another unit of the same (kind, target) pair is running, the
// node parks behind it instead. Caller holds e.mu.
func (e *Engine) enqueueLocked(cs *chainState, n *nodeState) {
	key := pairKey{kind: n.unit.Kind, target: n.unit.Target}
	t := &task{token: cs.token, unit: n.unit}

	if _, busy := e.inflight[key]; busy {
		n.status = nodeQueued
		e.parked[key] = append(e.parked[key], t)
		e.observer.UnitParked(n.unit.Kind)
		e.logger.Debug("unit parked behind in-flight pair", "kind", n.unit.Kind, "target", n.unit.Target)
		return
	}

	e.inflight[key] = n.unit.ID
	n.status = nodeQueued
	e.ready = append(e.ready, t)
	e.cond.Signal()
}

// =============================================================================
// Workers
// =============================================================================

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		t := e.nextTask()
		if t == nil {
			return
		}
		e.runUnit(ctx, t)
	}
}

// nextTask blocks until a task is runnable or the engine stops.
func (e *Engine) nextTask() *task {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.ready) == 0 && !e.stopped {
		e.cond.Wait()
	}
	if e.stopped {
		return nil
	}

	t := e.ready[0]
	e.ready = e.ready[1:]

	if cs, ok := e.chains[t.token]; ok {
		if n, ok := cs.nodes[t.unit.ID]; ok {
			n.status = nodeRunning
			n.startedAt = time.Now()
		}
	}
	return t
}

// runUnit executes a unit's handler and reports its outcome. Panics inside
// the handler are converted to failure results; a unit's operational errors
// never crash the process.
func (e *Engine) runUnit(ctx context.Context, t *task) {
	e.store.MarkRunning(t.token)

	e.mu.Lock()
	handler := e.handlers[t.unit.Kind]
	e.mu.Unlock()

	e.observer.UnitDispatched(t.unit.Kind)
	start := time.Now()

	result := func() (res Result) {
		defer func() {
			if r := recover(); r != nil {
				res = Failure("unit handler panicked: %v", r)
			}
		}()
		return handler(ctx, t.unit)
	}()

	e.observer.UnitFinished(t.unit.Kind, result.Outcome, time.Since(start))
	e.ReportOutcome(t.unit.ID, result)
}

// =============================================================================
// Outcome Handling
// =============================================================================

// ReportOutcome records a unit's terminal result and reactively dispatches
// every successor whose predecessors have all reported the required outcome.
// Reporting is idempotent: a unit's first outcome wins, later reports for the
// same unit are ignored (this also resolves watchdog races).
func (e *Engine) ReportOutcome(unitID uuid.UUID, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	token, ok := e.unitChain[unitID]
	if !ok {
		return
	}
	cs := e.chains[token]
	n := cs.nodes[unitID]
	if n.status.terminal() {
		return
	}

	if result.Outcome == OutcomeSuccess {
		n.status = nodeSucceeded
	} else {
		n.status = nodeFailed
		e.logger.Warn("unit failed", "token", token, "kind", n.unit.Kind, "target", n.unit.Target, "detail", result.Detail)
	}

	e.releasePairLocked(n)

	if result.Outcome == OutcomeFailure && len(n.unit.failureSuccessors) == 0 && !cs.failed {
		cs.failed = true
		e.store.MarkFailed(token, n.unit.Kind, result.Detail)
		e.observer.ChainFailed(n.unit.Kind)
	}

	for _, next := range n.unit.successors {
		e.resolvePredLocked(cs, cs.nodes[next.ID], result.Outcome == OutcomeSuccess)
	}
	for _, next := range n.unit.failureSuccessors {
		e.resolvePredLocked(cs, cs.nodes[next.ID], result.Outcome == OutcomeFailure)
	}

	e.finishChainLocked(cs)
}

// releasePairLocked frees the (kind, target) slot held by n and promotes the
// oldest parked unit of the same pair, if any. Caller holds e.mu.
func (e *Engine) releasePairLocked(n *nodeState) {
	key := pairKey{kind: n.unit.Kind, target: n.unit.Target}
	if e.inflight[key] != n.unit.ID {
		return
	}
	delete(e.inflight, key)

	waiting := e.parked[key]
	if len(waiting) == 0 {
		return
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(e.parked, key)
	} else {
		e.parked[key] = waiting[1:]
	}

	e.inflight[key] = next.unit.ID
	e.ready = append(e.ready, next)
	e.cond.Signal()
}

// resolvePredLocked records one predecessor resolution for a successor node.
// If the required outcome was met and all predecessors are satisfied, the
// node dispatches exactly once. If the requirement became unsatisfiable, the
// node and everything only reachable through it are skipped. Caller holds e.mu.
func (e *Engine) resolvePredLocked(cs *chainState, n *nodeState, met bool) {
	if n.status != nodePending {
		return
	}
	if !met {
		e.skipLocked(cs, n)
		return
	}
	n.satisfied++
	if n.satisfied == len(n.preds) {
		e.enqueueLocked(cs, n)
	}
}

// skipLocked marks a node skipped and propagates: a skipped node reports
// neither success nor failure, so every successor of either type becomes
// unsatisfiable as well. Caller holds e.mu.
func (e *Engine) skipLocked(cs *chainState, n *nodeState) {
	if n.status != nodePending {
		return
	}
	n.status = nodeSkipped
	e.observer.UnitSkipped(n.unit.Kind)

	for _, next := range n.unit.successors {
		e.skipLocked(cs, cs.nodes[next.ID])
	}
	for _, next := range n.unit.failureSuccessors {
		e.skipLocked(cs, cs.nodes[next.ID])
	}
}

// finishChainLocked marks the chain terminal once every leaf has resolved.
// Caller holds e.mu.
func (e *Engine) finishChainLocked(cs *chainState) {
	if !cs.allTerminal() {
		return
	}
	if cs.failed {
		// Already marked failed at the moment the unabsorbed failure landed.
		e.cleanupChainLocked(cs)
		return
	}
	e.store.MarkCompleted(cs.token)
	e.observer.ChainCompleted()
	e.logger.Debug("chain completed", "token", cs.token)
	e.cleanupChainLocked(cs)
}

// cleanupChainLocked drops the engine's working state for a terminal chain.
// The token store keeps the caller-visible record until retention expires.
func (e *Engine) cleanupChainLocked(cs *chainState) {
	for id := range cs.nodes {
		delete(e.unitChain, id)
	}
	delete(e.chains, cs.token)
}

// =============================================================================
// Watchdog
// =============================================================================

// watchdog marks units failed when they have been running longer than the
// configured timeout without reporting an outcome, so their chains cannot
// stay RUNNING forever.
func (e *Engine) watchdog(ctx context.Context, stop <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		cutoff := time.Now().Add(-e.cfg.WatchdogTimeout)
		var expired []uuid.UUID
		var kinds []Kind
		for _, cs := range e.chains {
			for id, n := range cs.nodes {
				if n.status == nodeRunning && n.startedAt.Before(cutoff) {
					expired = append(expired, id)
					kinds = append(kinds, n.unit.Kind)
				}
			}
		}
		e.mu.Unlock()

		for i, id := range expired {
			e.observer.WatchdogExpired(kinds[i])
			e.logger.Warn("watchdog expired unit", "unit", id, "kind", kinds[i])
			e.ReportOutcome(id, Failure("no outcome reported within %s", e.cfg.WatchdogTimeout))
		}
	}
}

// =============================================================================
// Queries
// =============================================================================

// Status returns the chain record for a token.
func (e *Engine) Status(token uuid.UUID) (ChainInfo, error) {
	return e.store.Status(token)
}

// InFlight reports whether a unit of the given kind and target is currently
// dispatched or running.
func (e *Engine) InFlight(kind Kind, target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[pairKey{kind: kind, target: target}]
	return ok
}
