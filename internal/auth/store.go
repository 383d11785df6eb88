package auth

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Storage key names. The simultaneous presence of every key except the
// refresh token is required to restore a logged-in state.
const (
	keyAccessToken  = "auth:access_token"
	keyRefreshToken = "auth:refresh_token"
	keyUserID       = "auth:user_id"
	keyUserName     = "auth:user_name"
	keyUserEmail    = "auth:user_email"
)

// StoredState is the durable shape of a session.
type StoredState struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	UserName     string
	UserEmail    string
}

// complete reports whether the mandatory fields are all present. The refresh
// token is optional; a partial record is treated as absent.
func (st StoredState) complete() bool {
	return st.AccessToken != "" && st.UserID != "" && st.UserName != "" && st.UserEmail != ""
}

// Store persists session state across restarts.
type Store interface {
	Save(st StoredState) error
	// Load returns the stored state and whether it forms a complete record.
	Load() (StoredState, bool, error)
	Clear() error
}

// BadgerStore keeps the session in a Badger keyspace under the data directory.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the session store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// Save writes the session fields in one transaction. An empty refresh token
// deletes the stored one rather than persisting an empty string.
func (s *BadgerStore) Save(st StoredState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		pairs := map[string]string{
			keyAccessToken: st.AccessToken,
			keyUserID:      st.UserID,
			keyUserName:    st.UserName,
			keyUserEmail:   st.UserEmail,
		}
		for k, v := range pairs {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		if st.RefreshToken == "" {
			if err := txn.Delete([]byte(keyRefreshToken)); err != nil {
				return err
			}
			return nil
		}
		return txn.Set([]byte(keyRefreshToken), []byte(st.RefreshToken))
	})
}

// Load reads the stored session. ok is false when any mandatory field is
// missing or empty.
func (s *BadgerStore) Load() (StoredState, bool, error) {
	var st StoredState
	err := s.db.View(func(txn *badger.Txn) error {
		get := func(key string, dst *string) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			return item.Value(func(val []byte) error {
				*dst = string(val)
				return nil
			})
		}
		for key, dst := range map[string]*string{
			keyAccessToken:  &st.AccessToken,
			keyRefreshToken: &st.RefreshToken,
			keyUserID:       &st.UserID,
			keyUserName:     &st.UserName,
			keyUserEmail:    &st.UserEmail,
		} {
			if err := get(key, dst); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StoredState{}, false, err
	}
	return st, st.complete(), nil
}

// Clear removes every session key.
func (s *BadgerStore) Clear() error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{keyAccessToken, keyRefreshToken, keyUserID, keyUserName, keyUserEmail} {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}
