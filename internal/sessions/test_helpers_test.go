package sessions

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testBaseMillis = int64(1700000000000)

func atMillis(offset int64) time.Time {
	return time.UnixMilli(testBaseMillis + offset).UTC()
}

func mustSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&EditorSessionRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewSQLStore(StoreConfig{Database: database, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustDocumentRef(t *testing.T, docID, collectionPath string) DocumentRef {
	t.Helper()
	ref, err := NewDocumentRef(docID, collectionPath)
	if err != nil {
		t.Fatalf("unexpected document ref error: %v", err)
	}
	return ref
}

func mustSession(t *testing.T, id string, document DocumentRef, createdAt time.Time) Session {
	t.Helper()
	sessionID, err := NewSessionID(id)
	if err != nil {
		t.Fatalf("unexpected session id error: %v", err)
	}
	session, err := NewSession(SessionConfig{ID: sessionID, Document: document, Now: createdAt})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	return session
}

func receiveWithin[T any](t *testing.T, updates <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-updates:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("expected subscription update within %s", timeout)
	}
	var zero T
	return zero
}
