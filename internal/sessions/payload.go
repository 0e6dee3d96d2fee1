package sessions

// SessionPayload is the JSON form of a Session exchanged with remote clients.
type SessionPayload struct {
	ID                    string `json:"id"`
	DocID                 string `json:"docId"`
	DocCollectionPath     string `json:"docCollectionPath"`
	OwnerUserID           string `json:"ownerUserId,omitempty"`
	Active                bool   `json:"active"`
	ActivatedTimestamp    int64  `json:"activatedTimestamp"`
	LastModifiedTimestamp int64  `json:"lastModifiedTimestamp"`
}

// NewSessionPayload converts a Session for the wire.
func NewSessionPayload(session Session) SessionPayload {
	return SessionPayload{
		ID:                    session.ID.String(),
		DocID:                 session.DocID.String(),
		DocCollectionPath:     session.DocCollectionPath.String(),
		OwnerUserID:           session.OwnerUserID,
		Active:                session.Active,
		ActivatedTimestamp:    session.ActivatedTimestamp.Int64(),
		LastModifiedTimestamp: session.LastModifiedTimestamp.Int64(),
	}
}

// NewSessionPayloads converts a list, never returning nil so it encodes as [].
func NewSessionPayloads(sessionList []Session) []SessionPayload {
	payloads := make([]SessionPayload, 0, len(sessionList))
	for _, session := range sessionList {
		payloads = append(payloads, NewSessionPayload(session))
	}
	return payloads
}

// Session validates the payload and converts it back to a Session.
func (p SessionPayload) Session() (Session, error) {
	id, err := NewSessionID(p.ID)
	if err != nil {
		return Session{}, err
	}
	document, err := NewDocumentRef(p.DocID, p.DocCollectionPath)
	if err != nil {
		return Session{}, err
	}
	activated, err := NewEpochMillis(p.ActivatedTimestamp)
	if err != nil {
		return Session{}, err
	}
	lastModified, err := NewEpochMillis(p.LastModifiedTimestamp)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:                    id,
		DocID:                 document.DocID,
		DocCollectionPath:     document.DocCollectionPath,
		OwnerUserID:           p.OwnerUserID,
		Active:                p.Active,
		ActivatedTimestamp:    activated,
		LastModifiedTimestamp: lastModified,
	}, nil
}

// SessionsFromPayloads converts a list, failing on the first invalid entry.
func SessionsFromPayloads(payloads []SessionPayload) ([]Session, error) {
	sessionList := make([]Session, 0, len(payloads))
	for _, payload := range payloads {
		session, err := payload.Session()
		if err != nil {
			return nil, err
		}
		sessionList = append(sessionList, session)
	}
	return sessionList, nil
}

// PatchPayload is the JSON form of a Patch; omitted fields stay untouched.
type PatchPayload struct {
	LastModifiedTimestamp *int64 `json:"lastModifiedTimestamp,omitempty"`
	Active                *bool  `json:"active,omitempty"`
}

// NewPatchPayload converts a Patch for the wire.
func NewPatchPayload(patch Patch) PatchPayload {
	var payload PatchPayload
	if patch.LastModifiedTimestamp != nil {
		value := patch.LastModifiedTimestamp.Int64()
		payload.LastModifiedTimestamp = &value
	}
	if patch.Active != nil {
		value := *patch.Active
		payload.Active = &value
	}
	return payload
}

// Patch validates the payload and converts it back to a Patch.
func (p PatchPayload) Patch() (Patch, error) {
	var patch Patch
	if p.LastModifiedTimestamp != nil {
		timestamp, err := NewEpochMillis(*p.LastModifiedTimestamp)
		if err != nil {
			return Patch{}, err
		}
		patch.LastModifiedTimestamp = &timestamp
	}
	if p.Active != nil {
		value := *p.Active
		patch.Active = &value
	}
	if patch.IsEmpty() {
		return Patch{}, ErrEmptyPatch
	}
	return patch, nil
}

// RecordPayload is one event of a record subscription.
type RecordPayload struct {
	Found   bool            `json:"found"`
	Session *SessionPayload `json:"session,omitempty"`
}

// NewRecordPayload converts a RecordSnapshot for the wire.
func NewRecordPayload(snapshot RecordSnapshot) RecordPayload {
	if !snapshot.Found {
		return RecordPayload{}
	}
	session := NewSessionPayload(snapshot.Session)
	return RecordPayload{Found: true, Session: &session}
}

// Snapshot validates the payload and converts it back to a RecordSnapshot.
func (p RecordPayload) Snapshot() (RecordSnapshot, error) {
	if !p.Found || p.Session == nil {
		return RecordSnapshot{}, nil
	}
	session, err := p.Session.Session()
	if err != nil {
		return RecordSnapshot{}, err
	}
	return RecordSnapshot{Session: session, Found: true}, nil
}

// SessionListPayload carries the active sessions of one document.
type SessionListPayload struct {
	Sessions []SessionPayload `json:"sessions"`
}

// EvictionPayload asks the server to mark sessions inactive in one atomic write.
type EvictionPayload struct {
	SessionIDs      []string `json:"sessionIds"`
	ExceptSessionID string   `json:"exceptSessionId,omitempty"`
}

// Server-sent event names used by the Session API streams.
const (
	// StreamEventSession carries a RecordPayload for one session.
	StreamEventSession = "session"
	// StreamEventSessions carries a SessionListPayload for one document.
	StreamEventSessions = "sessions"
	// StreamEventHeartbeat keeps idle connections open through proxies.
	StreamEventHeartbeat = "heartbeat"
)
