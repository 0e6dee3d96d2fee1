// Package conflicts asks the operator what to do when other editors hold live
// sessions on the same document, and performs the eviction they ask for.
package conflicts

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/coordinator"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"go.uber.org/zap"
)

// Decision is the operator's answer to a conflict prompt.
type Decision int

const (
	// DecisionCancel leaves the other sessions alone; both editors stay open.
	DecisionCancel Decision = iota
	// DecisionEvict asks every other session on the document to disconnect.
	DecisionEvict
)

const (
	opEvict  = "conflicts.evict"
	opDecide = "conflicts.decide"

	promptIDPrefix = "prompt-"

	// EvictionFailedMessage is the transient notice shown when eviction could not be written.
	EvictionFailedMessage = "Could not disconnect the other editors. Please try again."
)

var (
	// ErrPromptClosed indicates that the prompt being answered is no longer open.
	ErrPromptClosed = errors.New("conflicts: prompt is no longer open")

	errMissingStore = errors.New("conflicts: session store is required")
)

// Prompt is one open conflict dialog.
type Prompt struct {
	ID       string
	Conflict coordinator.Conflict
}

// Presenter renders prompts. Calls happen under the resolver lock: implementations
// must not block and must answer through Decide from another goroutine.
type Presenter interface {
	Show(prompt Prompt)
	Close(promptID string)
}

// Notifier shows short-lived messages to the operator.
type Notifier interface {
	Notify(message string)
}

// Config describes the dependencies of a Resolver.
type Config struct {
	Store     sessions.Store
	Presenter Presenter
	Notifier  Notifier
	Logger    *zap.Logger
}

// Resolver keeps at most one prompt open and implements coordinator.ConflictPrompter.
type Resolver struct {
	store     sessions.Store
	presenter Presenter
	notifier  Notifier
	logger    *zap.Logger

	mu       sync.Mutex
	open     *Prompt
	sequence int64
}

var _ coordinator.ConflictPrompter = (*Resolver)(nil)

// NewResolver constructs a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     cfg.Store,
		presenter: cfg.Presenter,
		notifier:  cfg.Notifier,
		logger:    logger,
	}, nil
}

// Present replaces any open prompt with one for conflict.
func (r *Resolver) Present(conflict coordinator.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	r.sequence++
	prompt := Prompt{
		ID:       promptIDPrefix + strconv.FormatInt(r.sequence, 10),
		Conflict: conflict,
	}
	r.open = &prompt
	r.logger.Info("editor session conflict prompt opened",
		zap.String("prompt_id", prompt.ID),
		zap.String("session_id", conflict.Local.ID.String()),
		zap.Int("conflict_count", len(conflict.Others)))
	if r.presenter != nil {
		r.presenter.Show(prompt)
	}
}

// Dismiss closes the open prompt, if any, without acting on it.
func (r *Resolver) Dismiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// Current returns the open prompt.
func (r *Resolver) Current() (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return Prompt{}, false
	}
	return *r.open, true
}

// Decide applies the operator's answer to the prompt identified by promptID.
// A failed eviction notifies the operator and leaves the prompt open for a retry.
func (r *Resolver) Decide(ctx context.Context, promptID string, decision Decision) error {
	r.mu.Lock()
	if r.open == nil || r.open.ID != promptID {
		r.mu.Unlock()
		return ErrPromptClosed
	}
	prompt := *r.open
	if decision != DecisionEvict {
		r.closeLocked()
		r.mu.Unlock()
		r.logger.Info("editor session conflict left unresolved", zap.String("prompt_id", promptID))
		return nil
	}
	r.mu.Unlock()

	if err := EvictSessions(ctx, r.store, prompt.Conflict.Local.ID, prompt.Conflict.Others); err != nil {
		r.logger.Error("editor session eviction failed",
			zap.String("operation", opDecide),
			zap.String("prompt_id", promptID),
			zap.Error(err))
		if r.notifier != nil {
			r.notifier.Notify(EvictionFailedMessage)
		}
		return err
	}

	r.mu.Lock()
	if r.open != nil && r.open.ID == promptID {
		r.closeLocked()
	}
	r.mu.Unlock()
	return nil
}

func (r *Resolver) closeLocked() {
	if r.open == nil {
		return
	}
	closedID := r.open.ID
	r.open = nil
	if r.presenter != nil {
		r.presenter.Close(closedID)
	}
}

// EvictSessions flags every session in others except localID inactive with one atomic batch write.
func EvictSessions(ctx context.Context, store sessions.Store, localID sessions.SessionID, others []sessions.Session) error {
	return EvictSessionIDs(ctx, store, localID, sessions.SessionIDs(others, ""))
}

// EvictSessionIDs is EvictSessions for callers that only hold identifiers.
func EvictSessionIDs(ctx context.Context, store sessions.Store, localID sessions.SessionID, ids []sessions.SessionID) error {
	identifiers := make([]sessions.SessionID, 0, len(ids))
	for _, id := range ids {
		if id != localID {
			identifiers = append(identifiers, id)
		}
	}
	if len(identifiers) == 0 {
		return nil
	}
	if err := store.BatchPatch(ctx, identifiers, sessions.EvictionPatch()); err != nil {
		return sessions.NewPersistenceError(opEvict, err)
	}
	return nil
}
