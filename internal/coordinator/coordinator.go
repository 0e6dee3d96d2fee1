// Package coordinator keeps one editor session alive for one editing UI instance:
// it creates the record, refreshes it on activity, watches for eviction and
// competing editors, and tears everything down on exit or inactivity.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Coordinator.
type State int

const (
	StateUninitialized State = iota
	StateCreating
	StateActive
	StateAutoDisconnecting
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateAutoDisconnecting:
		return "auto_disconnecting"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DisconnectReason explains why a coordinator gave up its session on its own.
type DisconnectReason string

const (
	ReasonInactivityTimeout  DisconnectReason = "inactivity_timeout"
	ReasonEvicted            DisconnectReason = "evicted"
	ReasonSessionDisappeared DisconnectReason = "session_disappeared"
)

const (
	opCoordinatorNew = "coordinator.new"
	opCreateSession  = "coordinator.create_session"
	opHeartbeat      = "coordinator.heartbeat"
	opDestroy        = "coordinator.destroy"
	opAutoDisconnect = "coordinator.auto_disconnect"
	opWatchOwn       = "coordinator.watch_own_session"
	opWatchActive    = "coordinator.watch_active_sessions"

	fieldSessionID = "session_id"
	fieldDocument  = "document"
	fieldReason    = "reason"

	teardownRemoveTimeout = 10 * time.Second
)

var (
	// ErrSessionDiscarded reports that the coordinator was torn down while the create was in flight.
	ErrSessionDiscarded = errors.New("coordinator: session torn down before create completed")

	errMissingStore = errors.New("coordinator: session store is required")
)

// Conflict describes other live sessions found on the locally edited document.
type Conflict struct {
	Local  sessions.Session
	Others []sessions.Session
}

// ConflictPrompter surfaces conflicts to the operator. Both methods are called
// with the coordinator lock held: they must return promptly and must not call
// back into the Coordinator.
type ConflictPrompter interface {
	Present(conflict Conflict)
	Dismiss()
}

// Navigator moves the UI away from an editing screen that is no longer valid.
type Navigator interface {
	NavigateTo(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// NavigateTo calls f(route).
func (f NavigatorFunc) NavigateTo(route string) {
	f(route)
}

// Ticker is the part of time.Ticker the inactivity monitor needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// NewTimeTicker returns a Ticker backed by time.NewTicker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

// Config describes the collaborators of a Coordinator.
type Config struct {
	Store                sessions.Store
	Prompter             ConflictPrompter
	Navigator            Navigator
	IDProvider           sessions.IDProvider
	Clock                func() time.Time
	NewTicker            func(time.Duration) Ticker
	InactiveTimeoutLimit time.Duration
	TimeoutCheckInterval time.Duration
	OwnerUserID          string
	Logger               *zap.Logger
}

// Coordinator owns at most one local editor session at a time. It is reusable:
// after Destroy or an automatic disconnect a new session may be created.
type Coordinator struct {
	store         sessions.Store
	prompter      ConflictPrompter
	navigator     Navigator
	idProvider    sessions.IDProvider
	clock         func() time.Time
	newTicker     func(time.Duration) Ticker
	timeoutLimit  time.Duration
	checkInterval time.Duration
	ownerUserID   string
	logger        *zap.Logger

	mu             sync.Mutex
	state          State
	generation     uint64
	session        sessions.Session
	monitors       *monitorSet
	stopping       []*monitorSet
	autoDisconnect bool
	remoteObserved bool
	remoteActive   bool
	promptOpen     bool

	teardowns sync.WaitGroup
}

// monitorSet is the group of watchers started for one session generation.
type monitorSet struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New constructs a Coordinator, filling defaults for optional collaborators.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = sessions.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	timeoutLimit := cfg.InactiveTimeoutLimit
	if timeoutLimit <= 0 {
		timeoutLimit = sessions.DefaultInactiveTimeoutLimit
	}
	checkInterval := cfg.TimeoutCheckInterval
	if checkInterval <= 0 {
		checkInterval = sessions.DefaultTimeoutCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:         cfg.Store,
		prompter:      cfg.Prompter,
		navigator:     cfg.Navigator,
		idProvider:    idProvider,
		clock:         clock,
		newTicker:     newTicker,
		timeoutLimit:  timeoutLimit,
		checkInterval: checkInterval,
		ownerUserID:   cfg.OwnerUserID,
		logger:        logger,
		state:         StateUninitialized,
	}, nil
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the local session while one is being created or is active.
func (c *Coordinator) Session() (sessions.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreating && c.state != StateActive {
		return sessions.Session{}, false
	}
	return c.session, true
}

// AutoDisconnected reports whether the last session ended through a timeout or a remote request.
func (c *Coordinator) AutoDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoDisconnect
}

// CreateSession persists a fresh session for document and starts the monitors.
// A failed write returns a PersistenceError and leaves the coordinator uninitialized:
// editing may continue without presence protection.
func (c *Coordinator) CreateSession(ctx context.Context, document sessions.DocumentRef) (sessions.Session, error) {
	rawID, err := c.idProvider.NewID()
	if err != nil {
		c.logError(opCreateSession, "id_generation_failed", err)
		return sessions.Session{}, fmt.Errorf("%s: %w", opCreateSession, err)
	}
	sessionID, err := sessions.NewSessionID(rawID)
	if err != nil {
		c.logError(opCreateSession, "invalid_session_id", err)
		return sessions.Session{}, fmt.Errorf("%s: %w", opCreateSession, err)
	}
	session, err := sessions.NewSession(sessions.SessionConfig{
		ID:          sessionID,
		Document:    document,
		OwnerUserID: c.ownerUserID,
		Now:         c.clock(),
	})
	if err != nil {
		c.logError(opCreateSession, "invalid_session", err)
		return sessions.Session{}, fmt.Errorf("%s: %w", opCreateSession, err)
	}

	c.mu.Lock()
	if c.state == StateCreating || c.state == StateActive {
		c.logger.Warn("creating a second editor session on the same coordinator",
			zap.String("previous_session_id", c.session.ID.String()),
			zap.String(fieldSessionID, session.ID.String()))
		c.stopMonitorsLocked()
	}
	c.generation++
	generation := c.generation
	c.state = StateCreating
	c.session = session
	c.autoDisconnect = false
	c.remoteObserved = false
	c.remoteActive = false
	c.promptOpen = false
	c.mu.Unlock()

	if err := c.store.Put(ctx, session); err != nil {
		c.mu.Lock()
		if c.generation == generation {
			c.resetLocked()
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		c.logError(opCreateSession, "put_failed", err,
			zap.String(fieldSessionID, session.ID.String()),
			zap.String(fieldDocument, document.String()))
		return sessions.Session{}, sessions.NewPersistenceError(opCreateSession, err)
	}

	c.mu.Lock()
	if c.generation != generation || c.state != StateCreating {
		c.mu.Unlock()
		c.logger.Info("discarding editor session created after teardown",
			zap.String(fieldSessionID, session.ID.String()))
		c.removeDetached(session.ID)
		return sessions.Session{}, ErrSessionDiscarded
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	set := &monitorSet{cancel: cancel}
	c.monitors = set
	c.state = StateActive
	set.done.Go(func() { c.watchOwnSession(monitorCtx, generation, session.ID) })
	set.done.Go(func() { c.watchActiveSessions(monitorCtx, generation, session.Document()) })
	set.done.Go(func() { c.watchInactivity(monitorCtx, generation) })
	go func() {
		set.done.Wait()
		c.forgetStopped(set)
	}()
	c.mu.Unlock()

	c.logger.Info("editor session created",
		zap.String(fieldSessionID, session.ID.String()),
		zap.String(fieldDocument, document.String()))
	return session, nil
}

// Heartbeat moves lastModifiedTimestamp to now, locally and in the store.
// A failed write is logged and returned but never ends the session.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("heartbeat skipped without an active session", zap.Stringer("state", state))
		return nil
	}
	now := c.clock()
	c.session = sessions.WithHeartbeat(c.session, now)
	sessionID := c.session.ID
	c.mu.Unlock()

	if err := c.store.Patch(ctx, sessionID, sessions.HeartbeatPatch(now)); err != nil {
		c.logger.Warn("heartbeat write failed",
			zap.String("operation", opHeartbeat),
			zap.String(fieldSessionID, sessionID.String()),
			zap.Error(err))
		return sessions.NewPersistenceError(opHeartbeat, err)
	}
	return nil
}

// Destroy stops every monitor, deletes the local session and resets the handle.
// It is a no-op when no session is held or a teardown is already running.
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized, StateDestroyed:
		c.mu.Unlock()
		c.logger.Debug("destroy called without an editor session")
		return nil
	case StateAutoDisconnecting, StateDestroying:
		c.mu.Unlock()
		c.logger.Debug("destroy called while teardown is already running")
		return nil
	}
	session := c.session
	c.generation++
	generation := c.generation
	c.state = StateDestroying
	c.dismissPromptLocked()
	stopped := c.stopMonitorsLocked()
	c.mu.Unlock()

	if stopped != nil {
		stopped.done.Wait()
	}
	removeErr := c.store.Remove(ctx, session.ID)

	c.mu.Lock()
	if c.generation == generation && c.state == StateDestroying {
		c.resetLocked()
		c.state = StateDestroyed
	}
	c.mu.Unlock()

	if removeErr != nil {
		c.logError(opDestroy, "remove_failed", removeErr, zap.String(fieldSessionID, session.ID.String()))
		return sessions.NewPersistenceError(opDestroy, removeErr)
	}
	c.logger.Info("editor session destroyed", zap.String(fieldSessionID, session.ID.String()))
	return nil
}

// Wait blocks until every monitor and automatic teardown started so far has finished.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	sets := append([]*monitorSet(nil), c.stopping...)
	if c.monitors != nil {
		sets = append(sets, c.monitors)
	}
	c.mu.Unlock()

	for _, set := range sets {
		set.done.Wait()
	}
	c.teardowns.Wait()
}

func (c *Coordinator) watchOwnSession(ctx context.Context, generation uint64, sessionID sessions.SessionID) {
	subscription, err := c.store.Subscribe(ctx, sessionID)
	if err != nil {
		c.logError(opWatchOwn, "subscribe_failed", err, zap.String(fieldSessionID, sessionID.String()))
	} else {
		defer subscription.Cancel()
	}

	// Seed once so an eviction written before the feed was established is not missed.
	seed, seedErr := c.store.GetOnce(ctx, sessionID)
	switch {
	case seedErr == nil:
		c.observeOwnRecord(generation, sessions.RecordSnapshot{Session: seed, Found: true})
	case errors.Is(seedErr, sessions.ErrSessionNotFound):
		c.logger.Debug("own editor session not visible yet", zap.String(fieldSessionID, sessionID.String()))
	case ctx.Err() == nil:
		c.logger.Warn("own editor session seed fetch failed",
			zap.String(fieldSessionID, sessionID.String()),
			zap.Error(seedErr))
	}

	if subscription == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-subscription.Updates():
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("own editor session feed closed", zap.String(fieldSessionID, sessionID.String()))
				}
				return
			}
			c.observeOwnRecord(generation, snapshot)
		}
	}
}

func (c *Coordinator) observeOwnRecord(generation uint64, snapshot sessions.RecordSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(generation) {
		return
	}
	if snapshot.Found {
		c.remoteObserved = true
		c.remoteActive = snapshot.Session.Active
		if snapshot.Session.Active {
			return
		}
		c.beginAutoDisconnectLocked(ReasonEvicted)
		return
	}
	if !c.remoteObserved {
		return
	}
	c.beginAutoDisconnectLocked(ReasonSessionDisappeared)
}

func (c *Coordinator) watchActiveSessions(ctx context.Context, generation uint64, document sessions.DocumentRef) {
	subscription, err := c.store.SubscribeQuery(ctx, document)
	if err != nil {
		c.logError(opWatchActive, "subscribe_failed", err, zap.String(fieldDocument, document.String()))
		return
	}
	defer subscription.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case active, ok := <-subscription.Updates():
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("active editor sessions feed closed", zap.String(fieldDocument, document.String()))
				}
				return
			}
			c.observeActiveSessions(ctx, generation, active)
		}
	}
}

func (c *Coordinator) observeActiveSessions(ctx context.Context, generation uint64, active []sessions.Session) {
	c.mu.Lock()
	if !c.isCurrentLocked(generation) {
		c.mu.Unlock()
		return
	}
	local := c.session
	conflicts := sessions.ConflictSet(active, local.ID, c.clock(), c.timeoutLimit)
	if len(conflicts) == 0 {
		c.mu.Unlock()
		return
	}
	remoteKnown := c.remoteObserved
	remoteActive := c.remoteActive
	c.mu.Unlock()

	if !remoteKnown {
		own, err := c.store.GetOnce(ctx, local.ID)
		if err != nil {
			if !errors.Is(err, sessions.ErrSessionNotFound) && ctx.Err() == nil {
				c.logger.Warn("own editor session lookup failed", zap.String(fieldSessionID, local.ID.String()), zap.Error(err))
			}
			return
		}
		remoteActive = own.Active
	}
	if !remoteActive {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(generation) {
		return
	}
	if c.prompter == nil {
		c.logger.Info("conflicting editor sessions detected",
			zap.String(fieldSessionID, local.ID.String()),
			zap.Int("conflict_count", len(conflicts)))
		return
	}
	c.dismissPromptLocked()
	c.prompter.Present(Conflict{Local: c.session, Others: conflicts})
	c.promptOpen = true
}

func (c *Coordinator) watchInactivity(ctx context.Context, generation uint64) {
	ticker := c.newTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.checkInactivity(generation)
		}
	}
}

func (c *Coordinator) checkInactivity(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(generation) {
		return
	}
	if c.session.IsStale(c.clock(), c.timeoutLimit) {
		c.beginAutoDisconnectLocked(ReasonInactivityTimeout)
	}
}

func (c *Coordinator) beginAutoDisconnectLocked(reason DisconnectReason) {
	c.autoDisconnect = true
	c.state = StateAutoDisconnecting
	c.generation++
	c.dismissPromptLocked()
	c.stopMonitorsLocked()

	c.teardowns.Add(1)
	go c.finishAutoDisconnect(c.generation, c.session, reason)
}

func (c *Coordinator) finishAutoDisconnect(generation uint64, session sessions.Session, reason DisconnectReason) {
	defer c.teardowns.Done()

	c.logger.Info("auto-disconnecting editor session",
		zap.String(fieldSessionID, session.ID.String()),
		zap.String(fieldReason, string(reason)))
	c.removeDetached(session.ID)

	c.mu.Lock()
	if c.generation == generation && c.state == StateAutoDisconnecting {
		c.resetLocked()
		c.state = StateDestroyed
	}
	c.mu.Unlock()

	if c.navigator != nil {
		c.navigator.NavigateTo(sessions.RedirectRouteFor(session.DocCollectionPath))
	}
}

func (c *Coordinator) removeDetached(sessionID sessions.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownRemoveTimeout)
	defer cancel()
	if err := c.store.Remove(ctx, sessionID); err != nil {
		c.logError(opAutoDisconnect, "remove_failed", err, zap.String(fieldSessionID, sessionID.String()))
	}
}

func (c *Coordinator) isCurrentLocked(generation uint64) bool {
	return c.generation == generation && c.state == StateActive
}

func (c *Coordinator) dismissPromptLocked() {
	if c.promptOpen && c.prompter != nil {
		c.prompter.Dismiss()
	}
	c.promptOpen = false
}

// stopMonitorsLocked cancels the current monitor set and returns it so the
// caller can wait for it outside the lock.
func (c *Coordinator) stopMonitorsLocked() *monitorSet {
	set := c.monitors
	if set == nil {
		return nil
	}
	set.cancel()
	c.monitors = nil
	c.stopping = append(c.stopping, set)
	return set
}

// forgetStopped drops a monitor set whose goroutines have exited.
func (c *Coordinator) forgetStopped(set *monitorSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = slices.DeleteFunc(c.stopping, func(stopped *monitorSet) bool {
		return stopped == set
	})
}

func (c *Coordinator) resetLocked() {
	c.stopMonitorsLocked()
	c.session = sessions.Session{}
	c.remoteObserved = false
	c.remoteActive = false
	c.promptOpen = false
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("editor session coordinator error", attrs...)
}
