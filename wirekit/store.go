package wirekit

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MessageStore is the durable message log, one bucket per room (private
// messages land in a per-recipient bucket). The router writes to it
// fire-and-forget; history replay on room join reads from it.
type MessageStore struct {
	db *bolt.DB
}

func OpenMessageStore(path string) (*MessageStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &MessageStore{db: db}, nil
}

func storeBucket(env *Envelope) []byte {
	if env.Room != "" {
		return []byte("room/" + env.Room)
	}
	return conversationBucket(env.Sender, env.Recipient)
}

// conversationBucket names the shared bucket for a pair of users, both
// directions included, so either side can replay the conversation.
func conversationBucket(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte("private/" + a + "/" + b)
}

// Persist appends the envelope to its bucket under a monotonic sequence
// key.
func (ms *MessageStore) Persist(env *Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return ms.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(storeBucket(env))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
}

// Recent returns up to limit most recent envelopes for a room, oldest
// first. A room with no history resolves to an empty slice.
func (ms *MessageStore) Recent(room string, limit int) ([]*Envelope, error) {
	return ms.recent([]byte("room/"+room), limit)
}

// RecentPrivate returns up to limit most recent private messages between
// the two users, both directions, oldest first.
func (ms *MessageStore) RecentPrivate(userA, userB string, limit int) ([]*Envelope, error) {
	return ms.recent(conversationBucket(userA, userB), limit)
}

func (ms *MessageStore) recent(bucket []byte, limit int) ([]*Envelope, error) {
	var envs []*Envelope

	err := ms.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(envs) < limit; k, v = c.Prev() {
			var env Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				logger.Errorf("skipping corrupt message in %s: %s", bucket, err)
				continue
			}
			envs = append(envs, &env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// cursor walked backwards
	for i, j := 0, len(envs)-1; i < j; i, j = i+1, j-1 {
		envs[i], envs[j] = envs[j], envs[i]
	}
	return envs, nil
}

func (ms *MessageStore) Close() error {
	return ms.db.Close()
}
