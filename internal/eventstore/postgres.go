package eventstore

import (
	"database/sql"
	"encoding/json"
	"time"

	// Registers the "postgres" driver used via database/sql below.
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_metadata (
	agent_id   TEXT PRIMARY KEY,
	peer_id    TEXT NOT NULL,
	token_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS balance_history (
	id        BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	peer_id   TEXT NOT NULL,
	token_id  TEXT NOT NULL,
	net       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS balance_history_peer_token_idx
	ON balance_history (peer_id, token_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
	id         BIGSERIAL PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	operation  TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	details    JSONB NOT NULL DEFAULT '{}',
	result     TEXT NOT NULL,
	ip_address TEXT,
	user_agent TEXT
);
CREATE INDEX IF NOT EXISTS audit_log_subject_idx ON audit_log (subject_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS follow_events (
	author_hex TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	signature  BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is the relational Store backend, implementing the
// wallet_metadata/balance_history/audit_log schema from SPEC_FULL §6.
// Grounded on channeldb.DB's single-handle-plus-migration shape
// (channeldb/db.go), adapted from bolt buckets to SQL tables.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, runs the schema migration, and returns a
// ready PostgresStore.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) PutFollowEvent(authorHex string, rec FollowEventRecord) error {
	_, err := p.db.Exec(`
		INSERT INTO follow_events (author_hex, kind, payload, signature, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (author_hex) DO UPDATE
			SET kind = EXCLUDED.kind, payload = EXCLUDED.payload,
			    signature = EXCLUDED.signature, created_at = EXCLUDED.created_at`,
		authorHex, rec.Kind, rec.Payload, rec.Signature, rec.CreatedAt)
	return err
}

func (p *PostgresStore) GetFollowEvent(authorHex string) (FollowEventRecord, error) {
	var rec FollowEventRecord
	rec.AuthorHex = authorHex
	row := p.db.QueryRow(`SELECT kind, payload, signature, created_at FROM follow_events WHERE author_hex = $1`, authorHex)
	if err := row.Scan(&rec.Kind, &rec.Payload, &rec.Signature, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return FollowEventRecord{}, ErrNotFound
		}
		return FollowEventRecord{}, err
	}
	return rec, nil
}

func (p *PostgresStore) AllFollowEvents() ([]FollowEventRecord, error) {
	rows, err := p.db.Query(`SELECT author_hex, kind, payload, signature, created_at FROM follow_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowEventRecord
	for rows.Next() {
		var rec FollowEventRecord
		if err := rows.Scan(&rec.AuthorHex, &rec.Kind, &rec.Payload, &rec.Signature, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAudit(rec AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO audit_log (timestamp, operation, subject_id, details, result, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Timestamp, rec.Operation, rec.SubjectID, details, rec.Result, rec.IPAddress, rec.UserAgent)
	return err
}

func (p *PostgresStore) QueryAudit(q AuditQuery) ([]AuditRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(`
		SELECT timestamp, operation, subject_id, details, result, ip_address, user_agent
		FROM audit_log
		WHERE ($1 = '' OR subject_id = $1)
		  AND ($2 = '' OR operation = $2)
		  AND ($3::timestamptz IS NULL OR timestamp >= $3)
		  AND ($4::timestamptz IS NULL OR timestamp <= $4)
		ORDER BY timestamp DESC
		LIMIT $5`, q.SubjectID, q.Operation, nullableTime(q.Start), nullableTime(q.End), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var details []byte
		var ip, ua sql.NullString
		if err := rows.Scan(&rec.Timestamp, &rec.Operation, &rec.SubjectID, &details, &rec.Result, &ip, &ua); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, err
		}
		rec.IPAddress = ip.String
		rec.UserAgent = ua.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutWalletMetadata(rec WalletMetadata) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO wallet_metadata (agent_id, peer_id, token_id, created_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE
			SET peer_id = EXCLUDED.peer_id, token_id = EXCLUDED.token_id, data = EXCLUDED.data`,
		rec.AgentID, rec.PeerID, rec.TokenID, rec.CreatedAt, data)
	return err
}

func (p *PostgresStore) GetWalletMetadata(agentID string) (WalletMetadata, error) {
	var rec WalletMetadata
	rec.AgentID = agentID
	var data []byte
	row := p.db.QueryRow(`SELECT peer_id, token_id, created_at, data FROM wallet_metadata WHERE agent_id = $1`, agentID)
	if err := row.Scan(&rec.PeerID, &rec.TokenID, &rec.CreatedAt, &data); err != nil {
		if err == sql.ErrNoRows {
			return WalletMetadata{}, ErrNotFound
		}
		return WalletMetadata{}, err
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return WalletMetadata{}, err
	}
	return rec, nil
}

func (p *PostgresStore) AppendBalanceSnapshot(rec BalanceSnapshot) error {
	_, err := p.db.Exec(`
		INSERT INTO balance_history (timestamp, peer_id, token_id, net)
		VALUES ($1, $2, $3, $4)`,
		rec.Timestamp, rec.PeerID, rec.TokenID, rec.Net)
	return err
}

func (p *PostgresStore) BalanceHistory(peerID, tokenID string, limit int) ([]BalanceSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(`
		SELECT timestamp, peer_id, token_id, net
		FROM balance_history
		WHERE peer_id = $1 AND token_id = $2
		ORDER BY timestamp DESC
		LIMIT $3`, peerID, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceSnapshot
	for rows.Next() {
		var rec BalanceSnapshot
		if err := rows.Scan(&rec.Timestamp, &rec.PeerID, &rec.TokenID, &rec.Net); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// nullableTime maps a zero time.Time (an unset AuditQuery bound) to SQL NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
