package sessions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("sessions: invalid session id")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("sessions: invalid document id")
	// ErrInvalidCollectionPath indicates that a collection path is empty or exceeds storage bounds.
	ErrInvalidCollectionPath = errors.New("sessions: invalid collection path")
	// ErrInvalidTimestamp indicates that an epoch millisecond value is not positive.
	ErrInvalidTimestamp = errors.New("sessions: invalid epoch milliseconds")
	// ErrEmptyPatch indicates that a patch carries no fields.
	ErrEmptyPatch = errors.New("sessions: empty patch")
)

const (
	errFormatEmpty   = "%w: empty"
	errFormatTooLong = "%w: exceeds %d characters"
	errFormatValue   = "%w: %d"
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf(errFormatEmpty, sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf(errFormatTooLong, sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// SessionID represents a validated editor session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidSessionID)
	if err != nil {
		return "", err
	}
	return SessionID(value), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// DocumentID represents a validated identifier of the document being edited.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDocumentID)
	if err != nil {
		return "", err
	}
	return DocumentID(value), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// CollectionPath names the logical collection a document belongs to.
type CollectionPath string

const (
	// CollectionPosts holds blog posts.
	CollectionPosts CollectionPath = "posts"
	// CollectionProducts holds store products.
	CollectionProducts CollectionPath = "products"
)

// NewCollectionPath validates raw input and returns a CollectionPath.
func NewCollectionPath(rawInput string) (CollectionPath, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidCollectionPath)
	if err != nil {
		return "", err
	}
	return CollectionPath(value), nil
}

// String returns the underlying path.
func (path CollectionPath) String() string {
	return string(path)
}

// EpochMillis is a validated timestamp in milliseconds since the unix epoch.
type EpochMillis int64

// NewEpochMillis validates the value and returns an EpochMillis.
func NewEpochMillis(value int64) (EpochMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf(errFormatValue, ErrInvalidTimestamp, value)
	}
	return EpochMillis(value), nil
}

// EpochMillisOf converts a wall clock reading.
func EpochMillisOf(moment time.Time) EpochMillis {
	return EpochMillis(moment.UnixMilli())
}

// Int64 exposes the raw millisecond value.
func (ts EpochMillis) Int64() int64 {
	return int64(ts)
}

// DocumentRef addresses one document inside one collection.
type DocumentRef struct {
	DocID             DocumentID
	DocCollectionPath CollectionPath
}

// NewDocumentRef validates both halves of a document address.
func NewDocumentRef(rawDocID, rawCollectionPath string) (DocumentRef, error) {
	docID, err := NewDocumentID(rawDocID)
	if err != nil {
		return DocumentRef{}, err
	}
	collectionPath, err := NewCollectionPath(rawCollectionPath)
	if err != nil {
		return DocumentRef{}, err
	}
	return DocumentRef{DocID: docID, DocCollectionPath: collectionPath}, nil
}

// String renders the ref as collection/doc.
func (ref DocumentRef) String() string {
	return ref.DocCollectionPath.String() + "/" + ref.DocID.String()
}

// Session is one client's claim to edit one document.
type Session struct {
	ID                    SessionID
	DocID                 DocumentID
	DocCollectionPath     CollectionPath
	OwnerUserID           string
	Active                bool
	ActivatedTimestamp    EpochMillis
	LastModifiedTimestamp EpochMillis
}

// SessionConfig describes the inputs required to open a new session.
type SessionConfig struct {
	ID          SessionID
	Document    DocumentRef
	OwnerUserID string
	Now         time.Time
}

// NewSession builds the initial record: active, with both timestamps set to now.
func NewSession(cfg SessionConfig) (Session, error) {
	if cfg.ID == "" {
		return Session{}, fmt.Errorf(errFormatEmpty, ErrInvalidSessionID)
	}
	if cfg.Document.DocID == "" {
		return Session{}, fmt.Errorf(errFormatEmpty, ErrInvalidDocumentID)
	}
	if cfg.Document.DocCollectionPath == "" {
		return Session{}, fmt.Errorf(errFormatEmpty, ErrInvalidCollectionPath)
	}
	now, err := NewEpochMillis(cfg.Now.UnixMilli())
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:                    cfg.ID,
		DocID:                 cfg.Document.DocID,
		DocCollectionPath:     cfg.Document.DocCollectionPath,
		OwnerUserID:           strings.TrimSpace(cfg.OwnerUserID),
		Active:                true,
		ActivatedTimestamp:    now,
		LastModifiedTimestamp: now,
	}, nil
}

// Document returns the address of the edited document.
func (s Session) Document() DocumentRef {
	return DocumentRef{DocID: s.DocID, DocCollectionPath: s.DocCollectionPath}
}

// IsStale reports whether the last heartbeat is older than limit.
func (s Session) IsStale(now time.Time, limit time.Duration) bool {
	return now.UnixMilli()-s.LastModifiedTimestamp.Int64() > limit.Milliseconds()
}

// WithHeartbeat returns a copy with lastModifiedTimestamp moved to now.
func WithHeartbeat(s Session, now time.Time) Session {
	s.LastModifiedTimestamp = EpochMillisOf(now)
	return s
}

// WithEvicted returns a copy flagged inactive.
func WithEvicted(s Session) Session {
	s.Active = false
	return s
}

// Patch carries the fields to merge into a stored session. Nil fields are left untouched.
type Patch struct {
	LastModifiedTimestamp *EpochMillis
	Active                *bool
}

// HeartbeatPatch refreshes lastModifiedTimestamp only.
func HeartbeatPatch(now time.Time) Patch {
	ts := EpochMillisOf(now)
	return Patch{LastModifiedTimestamp: &ts}
}

// EvictionPatch clears the active flag only.
func EvictionPatch() Patch {
	inactive := false
	return Patch{Active: &inactive}
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.LastModifiedTimestamp == nil && p.Active == nil
}

// TouchesOwnerFields reports whether the patch writes fields reserved to the session owner.
// Other users may only clear the active flag.
func (p Patch) TouchesOwnerFields() bool {
	return p.LastModifiedTimestamp != nil || (p.Active != nil && *p.Active)
}

// Apply merges the patch into s.
func (p Patch) Apply(s Session) Session {
	if p.LastModifiedTimestamp != nil {
		s.LastModifiedTimestamp = *p.LastModifiedTimestamp
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	return s
}

// RecordSnapshot is one delivery of a single-record subscription.
type RecordSnapshot struct {
	Session Session
	Found   bool
}
