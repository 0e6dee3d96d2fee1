package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/database"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"go.uber.org/zap"
)

const (
	testBaseMillis = int64(1700000000000)
	waitTimeout    = 3 * time.Second
	pollInterval   = 10 * time.Millisecond
)

func atMillis(offset int64) time.Time {
	return time.UnixMilli(testBaseMillis + offset).UTC()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(moment time.Time) {
	c.mu.Lock()
	c.now = moment
	c.mu.Unlock()
}

type manualTicker struct {
	ticks chan time.Time
}

func (t *manualTicker) C() <-chan time.Time {
	return t.ticks
}

func (t *manualTicker) Stop() {}

type tickerFactory struct {
	created  chan *manualTicker
	interval chan time.Duration
}

func newTickerFactory() *tickerFactory {
	return &tickerFactory{
		created:  make(chan *manualTicker, 8),
		interval: make(chan time.Duration, 8),
	}
}

func (f *tickerFactory) New(interval time.Duration) Ticker {
	ticker := &manualTicker{ticks: make(chan time.Time)}
	f.interval <- interval
	f.created <- ticker
	return ticker
}

func (f *tickerFactory) next(t *testing.T) *manualTicker {
	t.Helper()
	select {
	case ticker := <-f.created:
		return ticker
	case <-time.After(waitTimeout):
		t.Fatalf("expected inactivity ticker to start")
	}
	return nil
}

// tick blocks until the inactivity monitor has received the tick.
func (tk *manualTicker) tick(t *testing.T, moment time.Time) {
	t.Helper()
	select {
	case tk.ticks <- moment:
	case <-time.After(waitTimeout):
		t.Fatalf("inactivity monitor did not accept tick")
	}
}

type recordingNavigator struct {
	routes chan string
}

func newRecordingNavigator() *recordingNavigator {
	return &recordingNavigator{routes: make(chan string, 8)}
}

func (n *recordingNavigator) NavigateTo(route string) {
	n.routes <- route
}

type recordingPrompter struct {
	mu         sync.Mutex
	presented  []Conflict
	dismissals int
	onPresent  func(Conflict)
}

func (p *recordingPrompter) Present(conflict Conflict) {
	p.mu.Lock()
	p.presented = append(p.presented, conflict)
	hook := p.onPresent
	p.mu.Unlock()
	if hook != nil {
		hook(conflict)
	}
}

func (p *recordingPrompter) Dismiss() {
	p.mu.Lock()
	p.dismissals++
	p.mu.Unlock()
}

func (p *recordingPrompter) conflicts() []Conflict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Conflict(nil), p.presented...)
}

// instrumentedStore wraps a real store to inject failures and count calls.
type instrumentedStore struct {
	sessions.Store

	mu         sync.Mutex
	putErr     error
	patchErr   error
	putGate    chan struct{}
	putEntered chan struct{}
	removes    []sessions.SessionID
	subscribes int
}

func (s *instrumentedStore) Put(ctx context.Context, session sessions.Session) error {
	s.mu.Lock()
	putErr := s.putErr
	gate := s.putGate
	entered := s.putEntered
	s.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	if putErr != nil {
		return putErr
	}
	return s.Store.Put(ctx, session)
}

func (s *instrumentedStore) Patch(ctx context.Context, id sessions.SessionID, patch sessions.Patch) error {
	s.mu.Lock()
	patchErr := s.patchErr
	s.mu.Unlock()
	if patchErr != nil {
		return patchErr
	}
	return s.Store.Patch(ctx, id, patch)
}

func (s *instrumentedStore) Remove(ctx context.Context, id sessions.SessionID) error {
	s.mu.Lock()
	s.removes = append(s.removes, id)
	s.mu.Unlock()
	return s.Store.Remove(ctx, id)
}

func (s *instrumentedStore) Subscribe(ctx context.Context, id sessions.SessionID) (sessions.Subscription[sessions.RecordSnapshot], error) {
	s.mu.Lock()
	s.subscribes++
	s.mu.Unlock()
	return s.Store.Subscribe(ctx, id)
}

func (s *instrumentedStore) SubscribeQuery(ctx context.Context, document sessions.DocumentRef) (sessions.Subscription[[]sessions.Session], error) {
	s.mu.Lock()
	s.subscribes++
	s.mu.Unlock()
	return s.Store.SubscribeQuery(ctx, document)
}

func (s *instrumentedStore) removeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removes)
}

func (s *instrumentedStore) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func mustSQLStore(t *testing.T) *sessions.SQLStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "coordinator.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	store, err := sessions.NewSQLStore(sessions.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

type harness struct {
	coordinator *Coordinator
	store       *instrumentedStore
	tickers     *tickerFactory
	navigator   *recordingNavigator
	prompter    *recordingPrompter
}

func newHarness(t *testing.T, store sessions.Store, clock *manualClock, prompter ConflictPrompter) harness {
	t.Helper()
	instrumented := &instrumentedStore{Store: store}
	tickers := newTickerFactory()
	navigator := newRecordingNavigator()
	recording, _ := prompter.(*recordingPrompter)
	coordinator, err := New(Config{
		Store:                instrumented,
		Prompter:             prompter,
		Navigator:            navigator,
		Clock:                clock.Now,
		NewTicker:            tickers.New,
		InactiveTimeoutLimit: 300000 * time.Millisecond,
		TimeoutCheckInterval: 10000 * time.Millisecond,
		OwnerUserID:          "user-1",
		Logger:               zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	t.Cleanup(func() {
		_ = coordinator.Destroy(context.Background())
		coordinator.Wait()
	})
	return harness{
		coordinator: coordinator,
		store:       instrumented,
		tickers:     tickers,
		navigator:   navigator,
		prompter:    recording,
	}
}

func mustDocumentRef(t *testing.T, docID, collectionPath string) sessions.DocumentRef {
	t.Helper()
	ref, err := sessions.NewDocumentRef(docID, collectionPath)
	if err != nil {
		t.Fatalf("unexpected document ref error: %v", err)
	}
	return ref
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func receiveRoute(t *testing.T, navigator *recordingNavigator) string {
	t.Helper()
	select {
	case route := <-navigator.routes:
		return route
	case <-time.After(waitTimeout):
		t.Fatalf("expected navigation after auto-disconnect")
	}
	return ""
}
