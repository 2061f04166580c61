// Package state persists an offline snapshot of the synced view plus
// the session token, so a restart can render immediately and skip the
// credential exchange while the token is still live.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mfinley/docsync/internal/store"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	dbFileName = "state.db"
)

var (
	appBucket       = []byte("app")
	filesBucket     = []byte("files")
	historiesBucket = []byte("histories")

	sessionKey    = []byte("session")
	paginationKey = []byte("pagination")
)

// SessionToken is the cached bearer token and its owner.
type SessionToken struct {
	PrincipalID string    `json:"principal_id"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database under the given directory, creating it
// if it does not exist. All buckets are created on open.
func Load(dir string) (*State, error) {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	path := filepath.Join(dir, dbFileName)

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, filesBucket, historiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or nil when none is stored
// or the stored one has expired.
func (s *State) Token() *SessionToken {
	var tok *SessionToken

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		var st SessionToken
		if err := json.Unmarshal(v, &st); err != nil {
			return nil // unreadable cache entry, treat as absent
		}

		if !st.ExpiresAt.IsZero() && time.Now().After(st.ExpiresAt) {
			return nil
		}

		tok = &st

		return nil
	})

	return tok
}

// SetToken persists the session token.
func (s *State) SetToken(tok SessionToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding session token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// DeleteToken removes the cached session token. Called on sign-out.
func (s *State) DeleteToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// SaveFiles replaces the cached file snapshot with the given records
// and pagination state.
func (s *State) SaveFiles(files []store.FileRecord, p store.Pagination) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(filesBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(filesBucket)
		if err != nil {
			return err
		}

		for _, f := range files {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}

			if err := b.Put(idKey(f.ID), data); err != nil {
				return err
			}
		}

		pdata, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(paginationKey, pdata)
	})
}

// LoadFiles returns the cached file snapshot in id order along with the
// pagination state it was saved with.
func (s *State) LoadFiles() ([]store.FileRecord, store.Pagination, error) {
	var (
		files []store.FileRecord
		p     store.Pagination
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)

		if err := b.ForEach(func(_, v []byte) error {
			var f store.FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}

			files = append(files, f)

			return nil
		}); err != nil {
			return err
		}

		if v := tx.Bucket(appBucket).Get(paginationKey); v != nil {
			return json.Unmarshal(v, &p)
		}

		return nil
	})
	if err != nil {
		return nil, store.Pagination{}, fmt.Errorf("loading cached files: %w", err)
	}

	return files, p, nil
}

// SaveHistories replaces the cached history snapshot.
func (s *State) SaveHistories(histories []store.HistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(historiesBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(historiesBucket)
		if err != nil {
			return err
		}

		for _, h := range histories {
			data, err := json.Marshal(h)
			if err != nil {
				return err
			}

			if err := b.Put(idKey(h.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadHistories returns the cached history snapshot in id order.
func (s *State) LoadHistories() ([]store.HistoryRecord, error) {
	var histories []store.HistoryRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historiesBucket).ForEach(func(_, v []byte) error {
			var h store.HistoryRecord
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}

			histories = append(histories, h)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading cached histories: %w", err)
	}

	return histories, nil
}

// Reset drops all cached state. Called on sign-out.
func (s *State) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, filesBucket, historiesBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// idKey encodes an id as a big-endian key so bbolt iteration order
// matches ascending id order.
func idKey(id int64) []byte {
	var k [8]byte

	binary.BigEndian.PutUint64(k[:], uint64(id))

	return k[:]
}
