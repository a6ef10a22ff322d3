/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/umigame/relay"
	"github.com/sasha-s/go-deadlock"
	bolt "go.etcd.io/bbolt"
)

const keySeparator = "\x00"

var (
	judgmentsBucket = []byte("judgments")

	ErrInvalidKey = errors.New("judgment key fields must be non-empty and free of NUL bytes")
)

// Record is a stored judgment.
type Record struct {
	SessionToken       string    `json:"sessionToken"`
	QuestionID         string    `json:"questionId"`
	OriginConnectionID string    `json:"connectionId"`
	Judgment           bool      `json:"judgment"`
	RecordedAt         time.Time `json:"recordedAt"`
}

func ledgerKey(j relay.Judgment) (string, error) {
	for _, part := range []string{j.SessionToken, j.QuestionID, j.OriginConnectionID} {
		if part == "" || strings.Contains(part, keySeparator) {
			return "", ErrInvalidKey
		}
	}

	return j.SessionToken + keySeparator + j.QuestionID + keySeparator + j.OriginConnectionID, nil
}

// MemoryLedger keeps judgments for the lifetime of the process.
type MemoryLedger struct {
	mu      deadlock.Mutex
	now     func() time.Time
	records map[string]Record
	order   []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		now:     time.Now,
		records: make(map[string]Record),
	}
}

func (r Record) judgment() relay.Judgment {
	return relay.Judgment{
		SessionToken:       r.SessionToken,
		QuestionID:         r.QuestionID,
		OriginConnectionID: r.OriginConnectionID,
		Judgment:           r.Judgment,
	}
}

func (l *MemoryLedger) Append(_ context.Context, j relay.Judgment) (relay.Judgment, bool, error) {
	key, err := ledgerKey(j)
	if err != nil {
		return relay.Judgment{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, exists := l.records[key]; exists {
		return existing.judgment(), false, nil
	}

	l.records[key] = Record{
		SessionToken:       j.SessionToken,
		QuestionID:         j.QuestionID,
		OriginConnectionID: j.OriginConnectionID,
		Judgment:           j.Judgment,
		RecordedAt:         l.now(),
	}
	l.order = append(l.order, key)

	return j, true, nil
}

// Records returns every stored judgment in append order.
func (l *MemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, l.records[key])
	}

	return out
}

// BoltLedger persists judgments in a bbolt file.
type BoltLedger struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(judgmentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger %s: %w", path, err)
	}

	return &BoltLedger{db: db, now: time.Now}, nil
}

func (l *BoltLedger) Append(ctx context.Context, j relay.Judgment) (relay.Judgment, bool, error) {
	key, err := ledgerKey(j)
	if err != nil {
		return relay.Judgment{}, false, err
	}

	if err := ctx.Err(); err != nil {
		return relay.Judgment{}, false, err
	}

	value, err := json.Marshal(Record{
		SessionToken:       j.SessionToken,
		QuestionID:         j.QuestionID,
		OriginConnectionID: j.OriginConnectionID,
		Judgment:           j.Judgment,
		RecordedAt:         l.now().UTC(),
	})
	if err != nil {
		return relay.Judgment{}, false, err
	}

	var (
		stored  = j
		created = false
	)

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(judgmentsBucket)
		if existing := b.Get([]byte(key)); existing != nil {
			var r Record
			if err := json.Unmarshal(existing, &r); err != nil {
				return err
			}
			stored = r.judgment()

			return nil
		}
		created = true

		return b.Put([]byte(key), value)
	})
	if err != nil {
		return relay.Judgment{}, false, err
	}

	return stored, created, nil
}

// Records returns the judgments stored for one session, ordered by key.
func (l *BoltLedger) Records(sessionToken string) ([]Record, error) {
	var out []Record

	prefix := []byte(sessionToken + keySeparator)

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(judgmentsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}

		return nil
	})

	return out, err
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}
