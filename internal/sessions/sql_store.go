package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew         = "sessions.store.new"
	opPut              = "sessions.put"
	opPatch            = "sessions.patch"
	opRemove           = "sessions.remove"
	opGetOnce          = "sessions.get_once"
	opListActive       = "sessions.list_active"
	opBatchPatch       = "sessions.batch_patch"
	opSubscribe        = "sessions.subscribe"
	opSubscribeQuery   = "sessions.subscribe_query"
	opPurgeInactive    = "sessions.purge_inactive"
	fieldSessionID     = "session_id"
	fieldDocument      = "document"
	columnSessionID    = "session_id"
	columnActive       = "active"
	columnLastModified = "last_modified_ms"
	columnActivated    = "activated_ms"
	queryBySessionID   = columnSessionID + " = ?"
	querySessionIDIn   = columnSessionID + " IN ?"
	queryActiveForDoc  = "doc_collection_path = ? AND doc_id = ? AND " + columnActive + " = ?"
	queryModifiedOlder = columnLastModified + " < ?"
	orderActivatedAsc  = columnActivated + " ASC, " + columnSessionID + " ASC"

	reasonMissingDatabase = "missing_database"
	reasonLookupFailed    = "lookup_failed"
	reasonWriteFailed     = "write_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonQueryFailed     = "query_failed"
	reasonInvalidSession  = "invalid_session"
	reasonEmptyPatch      = "empty_patch"
)

// StoreConfig describes the dependencies of an SQLStore.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// SQLStore persists editor sessions through GORM and serves live subscriptions
// from an in-process change feed signalled after every committed write.
type SQLStore struct {
	db     *gorm.DB
	feed   *changeFeed
	logger *zap.Logger
}

// NewSQLStore constructs the store. The schema must already be migrated.
func NewSQLStore(cfg StoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{
		db:     cfg.Database,
		feed:   newChangeFeed(),
		logger: logger,
	}, nil
}

// Put creates or fully overwrites the record keyed by session.ID.
func (store *SQLStore) Put(ctx context.Context, session Session) error {
	if session.ID == "" || session.DocID == "" || session.DocCollectionPath == "" {
		return newServiceError(opPut, reasonInvalidSession, ErrInvalidSessionID)
	}
	record := recordFromSession(session)
	topics := []string{sessionTopic(session.ID), documentTopic(session.Document())}

	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing EditorSessionRecord
		lookupErr := transaction.Where(queryBySessionID, record.SessionID).Take(&existing).Error
		if lookupErr == nil {
			if previous := existing.document(); previous != session.Document() {
				topics = append(topics, documentTopic(previous))
			}
		} else if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnSessionID}},
			UpdateAll: true,
		}).Create(&record).Error
	})
	if err != nil {
		return store.fail(opPut, reasonWriteFailed, err, zap.String(fieldSessionID, session.ID.String()))
	}
	store.feed.publish(topics...)
	return nil
}

// Patch merges the non-nil fields of patch into the record keyed by id.
func (store *SQLStore) Patch(ctx context.Context, id SessionID, patch Patch) error {
	if patch.IsEmpty() {
		return newServiceError(opPatch, reasonEmptyPatch, ErrEmptyPatch)
	}
	var existing EditorSessionRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryBySessionID, id.String()).Take(&existing).Error; err != nil {
			return err
		}
		return transaction.Model(&EditorSessionRecord{}).
			Where(queryBySessionID, id.String()).
			Updates(patchColumns(patch)).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return store.fail(opPatch, reasonWriteFailed, err, zap.String(fieldSessionID, id.String()))
	}
	store.feed.publish(sessionTopic(id), documentTopic(existing.document()))
	return nil
}

// Remove deletes the record keyed by id. A missing record is not an error.
func (store *SQLStore) Remove(ctx context.Context, id SessionID) error {
	var existing EditorSessionRecord
	removed := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.Where(queryBySessionID, id.String()).Take(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupErr != nil {
			return lookupErr
		}
		removed = true
		return transaction.Where(queryBySessionID, id.String()).Delete(&EditorSessionRecord{}).Error
	})
	if err != nil {
		return store.fail(opRemove, reasonDeleteFailed, err, zap.String(fieldSessionID, id.String()))
	}
	if removed {
		store.feed.publish(sessionTopic(id), documentTopic(existing.document()))
	}
	return nil
}

// GetOnce returns the current record or ErrSessionNotFound.
func (store *SQLStore) GetOnce(ctx context.Context, id SessionID) (Session, error) {
	var record EditorSessionRecord
	err := store.db.WithContext(ctx).Where(queryBySessionID, id.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, store.fail(opGetOnce, reasonLookupFailed, err, zap.String(fieldSessionID, id.String()))
	}
	return record.toSession(), nil
}

// ListActive returns every active record on document, oldest first.
func (store *SQLStore) ListActive(ctx context.Context, document DocumentRef) ([]Session, error) {
	var records []EditorSessionRecord
	err := store.db.WithContext(ctx).
		Where(queryActiveForDoc, document.DocCollectionPath.String(), document.DocID.String(), true).
		Order(orderActivatedAsc).
		Find(&records).Error
	if err != nil {
		return nil, store.fail(opListActive, reasonQueryFailed, err, zap.String(fieldDocument, document.String()))
	}
	result := make([]Session, 0, len(records))
	for _, record := range records {
		result = append(result, record.toSession())
	}
	return result, nil
}

// BatchPatch applies patch to every id in one transaction. When any id is
// missing nothing is written and ErrSessionNotFound is returned.
func (store *SQLStore) BatchPatch(ctx context.Context, ids []SessionID, patch Patch) error {
	if patch.IsEmpty() {
		return newServiceError(opBatchPatch, reasonEmptyPatch, ErrEmptyPatch)
	}
	uniqueIDs := uniqueSessionIDs(ids)
	if len(uniqueIDs) == 0 {
		return nil
	}

	var existing []EditorSessionRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(querySessionIDIn, uniqueIDs).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) != len(uniqueIDs) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, missingIDs(uniqueIDs, existing))
		}
		return transaction.Model(&EditorSessionRecord{}).
			Where(querySessionIDIn, uniqueIDs).
			Updates(patchColumns(patch)).Error
	})
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return store.fail(opBatchPatch, reasonWriteFailed, err, zap.Int("session_count", len(uniqueIDs)))
	}
	store.feed.publish(recordTopics(existing)...)
	return nil
}

// PurgeInactive deletes every record whose last heartbeat is older than cutoff.
func (store *SQLStore) PurgeInactive(ctx context.Context, cutoff time.Time) (int, error) {
	var purged []EditorSessionRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryModifiedOlder, cutoff.UnixMilli()).Find(&purged).Error; err != nil {
			return err
		}
		if len(purged) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(purged))
		for _, record := range purged {
			identifiers = append(identifiers, record.SessionID)
		}
		return transaction.Where(querySessionIDIn, identifiers).Delete(&EditorSessionRecord{}).Error
	})
	if err != nil {
		return 0, store.fail(opPurgeInactive, reasonDeleteFailed, err)
	}
	if len(purged) > 0 {
		store.feed.publish(recordTopics(purged)...)
	}
	return len(purged), nil
}

// Subscribe streams the record keyed by id, including Found=false while it is absent.
func (store *SQLStore) Subscribe(ctx context.Context, id SessionID) (Subscription[RecordSnapshot], error) {
	return watch(ctx, store, opSubscribe, sessionTopic(id), func(loadCtx context.Context) (RecordSnapshot, error) {
		session, err := store.GetOnce(loadCtx, id)
		if errors.Is(err, ErrSessionNotFound) {
			return RecordSnapshot{Found: false}, nil
		}
		if err != nil {
			return RecordSnapshot{}, err
		}
		return RecordSnapshot{Session: session, Found: true}, nil
	}), nil
}

// SubscribeQuery streams the full set of active records on document.
func (store *SQLStore) SubscribeQuery(ctx context.Context, document DocumentRef) (Subscription[[]Session], error) {
	return watch(ctx, store, opSubscribeQuery, documentTopic(document), func(loadCtx context.Context) ([]Session, error) {
		return store.ListActive(loadCtx, document)
	}), nil
}

func watch[T any](ctx context.Context, store *SQLStore, operation, topic string, load func(context.Context) (T, error)) Subscription[T] {
	watchCtx, cancel := context.WithCancel(ctx)
	// Register before the first load so no write between load and wait is missed.
	signals, unsubscribe := store.feed.subscribe(topic)
	updates := make(chan T, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(updates)
		defer unsubscribe()
		for {
			value, err := load(watchCtx)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				store.logger.Warn("subscription reload failed",
					zap.String("operation", operation),
					zap.String("topic", topic),
					zap.Error(err))
			} else if !Deliver(watchCtx, updates, value) {
				return
			}
			select {
			case <-watchCtx.Done():
				return
			case <-signals:
			}
		}
	}()

	return NewSubscription[T](updates, cancel, done)
}

func (store *SQLStore) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	store.logger.Error("session store error", attrs...)
	return &PersistenceError{Operation: operation, Err: newServiceError(operation, reason, err)}
}

func uniqueSessionIDs(ids []SessionID) []string {
	seen := make(map[SessionID]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id.String())
	}
	return unique
}

func missingIDs(requested []string, found []EditorSessionRecord) []string {
	present := make(map[string]struct{}, len(found))
	for _, record := range found {
		present[record.SessionID] = struct{}{}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func recordTopics(records []EditorSessionRecord) []string {
	topics := make([]string, 0, len(records)*2)
	for _, record := range records {
		topics = append(topics, sessionTopic(SessionID(record.SessionID)), documentTopic(record.document()))
	}
	return topics
}
