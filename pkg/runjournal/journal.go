// Persistent history of runs, stored in a bbolt database
package runjournal

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/asdine/storm/codec/msgpack"
	bolt "go.etcd.io/bbolt"
)

// oldest runs are pruned beyond this
const DefaultRetain = 1000

// bbolt flocks the file for as long as it's open. we only ever hold it for one
// transaction, so anything longer than this is a stuck process
const openTimeout = 2 * time.Second

var runsBucketKey = []byte("runs")

type Run struct {
	ID        uint64
	Command   string
	Datasets  []string // empty = all
	Started   time.Time
	Duration  time.Duration
	DryRun    bool
	Created   int
	Destroyed int
	Error     string // empty = success
}

func (r *Run) Succeeded() bool {
	return r.Error == ""
}

// Journal is only a handle: the database is opened for the duration of a single
// Record() or Recent() call, so that long-lived processes (the daemon) don't keep
// everyone else out of it
type Journal struct {
	path   string
	retain int
}

func New(path string) *Journal {
	return &Journal{path, DefaultRetain}
}

func (j *Journal) Path() string {
	return j.path
}

// assigns run.ID
func (j *Journal) Record(run *Run) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return err
	}

	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		runs, err := tx.CreateBucketIfNotExists(runsBucketKey)
		if err != nil {
			return err
		}

		id, err := runs.NextSequence()
		if err != nil {
			return err
		}

		run.ID = id

		data, err := msgpack.Codec.Marshal(run)
		if err != nil {
			return err
		}

		if err := runs.Put(idToKey(id), data); err != nil {
			return err
		}

		return prune(runs, id, j.retain)
	})
}

// newest first. limit <= 0 means no limit. a journal that was never written to is empty
func (j *Journal) Recent(limit int) ([]Run, error) {
	result := []Run{}

	if _, err := os.Stat(j.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}

		return nil, err
	}

	// shared lock, so readers don't exclude each other
	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucketKey)
		if runs == nil {
			return nil
		}

		all := runs.Cursor()

		for key, value := all.Last(); key != nil; key, value = all.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			run := Run{}
			if err := msgpack.Codec.Unmarshal(value, &run); err != nil {
				return err
			}

			result = append(result, run)
		}

		return nil
	})

	return result, err
}

// runs are keyed by a monotonic sequence, so everything at or below newest-retain goes
func prune(runs *bolt.Bucket, newest uint64, retain int) error {
	if newest <= uint64(retain) {
		return nil
	}

	cutoff := newest - uint64(retain)

	expired := [][]byte{}

	all := runs.Cursor()
	for key, _ := all.First(); key != nil && keyToId(key) <= cutoff; key, _ = all.Next() {
		expired = append(expired, key)
	}

	for _, key := range expired {
		if err := runs.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

// big endian so that byte order equals insertion order
func idToKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func keyToId(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
