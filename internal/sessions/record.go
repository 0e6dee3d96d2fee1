package sessions

// EditorSessionRecord is the persisted form of a Session.
type EditorSessionRecord struct {
	SessionID            string `gorm:"column:session_id;primaryKey;size:190;not null"`
	DocCollectionPath    string `gorm:"column:doc_collection_path;size:190;not null;index:idx_editor_sessions_document,priority:1"`
	DocID                string `gorm:"column:doc_id;size:190;not null;index:idx_editor_sessions_document,priority:2"`
	Active               bool   `gorm:"column:active;not null;index:idx_editor_sessions_document,priority:3"`
	OwnerUserID          string `gorm:"column:owner_user_id;size:190;not null;default:''"`
	ActivatedAtMillis    int64  `gorm:"column:activated_ms;not null"`
	LastModifiedAtMillis int64  `gorm:"column:last_modified_ms;not null;index:idx_editor_sessions_last_modified"`
}

// TableName provides the explicit table binding for GORM.
func (EditorSessionRecord) TableName() string {
	return "editor_sessions"
}

func recordFromSession(session Session) EditorSessionRecord {
	return EditorSessionRecord{
		SessionID:            session.ID.String(),
		DocCollectionPath:    session.DocCollectionPath.String(),
		DocID:                session.DocID.String(),
		Active:               session.Active,
		OwnerUserID:          session.OwnerUserID,
		ActivatedAtMillis:    session.ActivatedTimestamp.Int64(),
		LastModifiedAtMillis: session.LastModifiedTimestamp.Int64(),
	}
}

func (record EditorSessionRecord) toSession() Session {
	return Session{
		ID:                    SessionID(record.SessionID),
		DocID:                 DocumentID(record.DocID),
		DocCollectionPath:     CollectionPath(record.DocCollectionPath),
		OwnerUserID:           record.OwnerUserID,
		Active:                record.Active,
		ActivatedTimestamp:    EpochMillis(record.ActivatedAtMillis),
		LastModifiedTimestamp: EpochMillis(record.LastModifiedAtMillis),
	}
}

func (record EditorSessionRecord) document() DocumentRef {
	return DocumentRef{
		DocID:             DocumentID(record.DocID),
		DocCollectionPath: CollectionPath(record.DocCollectionPath),
	}
}

func patchColumns(patch Patch) map[string]interface{} {
	columns := make(map[string]interface{}, 2)
	if patch.LastModifiedTimestamp != nil {
		columns[columnLastModified] = patch.LastModifiedTimestamp.Int64()
	}
	if patch.Active != nil {
		columns[columnActive] = *patch.Active
	}
	return columns
}
