// Package store persists audit entries and revocations in SQLite so
// governance state survives restarts.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/identity"
)

// Open opens (or creates) the SQLite database at path. The caller owns the
// handle.
func Open(path string) (*sql.DB, error) {
	const op = "store.Open"

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	// SQLite supports one writer; more connections just queue on locks.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	return db, nil
}

// AuditStore writes every appended audit entry through to SQLite and can
// reload the full chain for replay verification. Implements audit.Sink.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore migrates the schema and returns the store.
func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	s := &AuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		agent_did TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		resource TEXT,
		payload BLOB,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_did);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_entries(event_type);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return errs.Wrap(errs.KindStorage, "store.AuditStore.migrate", err)
	}
	return nil
}

// AppendEntry persists one chain entry. Entries arrive in chain order under
// the chain's append lock, so no extra sequencing is needed here.
func (s *AuditStore) AppendEntry(e *audit.Entry) error {
	const op = "store.AuditStore.AppendEntry"

	query := `INSERT INTO audit_entries (
		sequence, id, timestamp, event_type, agent_did, action, outcome, resource, payload, prev_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(context.Background(), query,
		e.Sequence, e.ID, e.Timestamp, string(e.EventType), e.AgentDID,
		e.Action, e.Outcome, e.Resource, []byte(e.Payload), e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, op, err)
	}
	return nil
}

// LoadEntries returns every persisted entry in chain order, ready for
// audit.Replay.
func (s *AuditStore) LoadEntries(ctx context.Context) ([]*audit.Entry, error) {
	const op = "store.AuditStore.LoadEntries"

	query := `
	SELECT sequence, id, timestamp, event_type, agent_did, action, outcome, resource, payload, prev_hash, entry_hash
	FROM audit_entries
	ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			eventType string
			resource  sql.NullString
			payload   []byte
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Timestamp, &eventType, &e.AgentDID,
			&e.Action, &e.Outcome, &resource, &payload, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, errs.Wrap(errs.KindStorage, op, err)
		}
		e.EventType = audit.EventType(eventType)
		e.Resource = resource.String
		if len(payload) > 0 {
			e.Payload = payload
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	return entries, nil
}

// RevocationStore persists the monotonic revocation set. Implements
// identity.RevocationSink.
type RevocationStore struct {
	db *sql.DB
}

// NewRevocationStore migrates the schema and returns the store.
func NewRevocationStore(db *sql.DB) (*RevocationStore, error) {
	s := &RevocationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RevocationStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS revocations (
		credential_id TEXT PRIMARY KEY,
		reason TEXT,
		revoked_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return errs.Wrap(errs.KindStorage, "store.RevocationStore.migrate", err)
	}
	return nil
}

// SaveRevocation records one revocation. A repeat for the same credential
// keeps the original row (membership is monotonic).
func (s *RevocationStore) SaveRevocation(rev identity.Revocation) error {
	const op = "store.RevocationStore.SaveRevocation"

	query := `INSERT OR IGNORE INTO revocations (credential_id, reason, revoked_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(context.Background(), query,
		rev.CredentialID, rev.Reason, rev.RevokedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindStorage, op, err)
	}
	return nil
}

// LoadRevocations returns every persisted revocation, for
// identity.LoadRevocationList.
func (s *RevocationStore) LoadRevocations(ctx context.Context) ([]identity.Revocation, error) {
	const op = "store.RevocationStore.LoadRevocations"

	rows, err := s.db.QueryContext(ctx, `SELECT credential_id, reason, revoked_at FROM revocations`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	defer func() { _ = rows.Close() }()

	var revs []identity.Revocation
	for rows.Next() {
		var (
			rev       identity.Revocation
			reason    sql.NullString
			revokedAt string
		)
		if err := rows.Scan(&rev.CredentialID, &reason, &revokedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, op, err)
		}
		rev.Reason = reason.String
		rev.RevokedAt = parseTime(revokedAt)
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, op, err)
	}
	return revs, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
