package eventstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const (
	dbFileName       = "connector.db"
	dbFilePermission = 0600
)

var (
	followBucket  = []byte("follow-events")
	auditBucket   = []byte("audit-log")
	walletBucket  = []byte("wallet-metadata")
	balanceBucket = []byte("balance-history")

	byteOrder = binary.BigEndian
)

// BoltStore is the embedded single-node Store backend, for deployments
// without a relational database available. Grounded on channeldb.DB's
// bucket-per-domain layout (channeldb/db.go).
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if absent) a BoltStore rooted at dirPath.
func OpenBolt(dirPath string) (*BoltStore, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dirPath, dbFileName), dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{followBucket, auditBucket, walletBucket, balanceBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) PutFollowEvent(authorHex string, rec FollowEventRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(followBucket).Put([]byte(authorHex), raw)
	})
}

func (b *BoltStore) GetFollowEvent(authorHex string) (FollowEventRecord, error) {
	var rec FollowEventRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(followBucket).Get([]byte(authorHex))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (b *BoltStore) AllFollowEvents() ([]FollowEventRecord, error) {
	var out []FollowEventRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(followBucket).ForEach(func(k, v []byte) error {
			var rec FollowEventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) AppendAudit(rec AuditRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(auditBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), raw)
	})
}

func (b *BoltStore) QueryAudit(q AuditQuery) ([]AuditRecord, error) {
	var matches []AuditRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if MatchesAuditQuery(rec, q) {
				matches = append(matches, rec)
			}
			if q.Limit > 0 && len(matches) >= q.Limit {
				break
			}
		}
		return nil
	})
	return matches, err
}

func (b *BoltStore) PutWalletMetadata(rec WalletMetadata) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(walletBucket).Put([]byte(rec.AgentID), raw)
	})
}

func (b *BoltStore) GetWalletMetadata(agentID string) (WalletMetadata, error) {
	var rec WalletMetadata
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(walletBucket).Get([]byte(agentID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (b *BoltStore) AppendBalanceSnapshot(rec BalanceSnapshot) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(balanceBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), raw)
	})
}

func (b *BoltStore) BalanceHistory(peerID, tokenID string, limit int) ([]BalanceSnapshot, error) {
	var matches []BalanceSnapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(balanceBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec BalanceSnapshot
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.PeerID == peerID && rec.TokenID == tokenID {
				matches = append(matches, rec)
			}
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
		return nil
	})
	return matches, err
}

func (b *BoltStore) Close() error { return b.db.Close() }

func sequenceKey(seq uint64) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, seq)
	return buf.Bytes()
}
