package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatwire/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// It caches the session token, so it must not be group/world readable.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	conversationsBucket = []byte("conversations")

	tokenKey   = []byte("token")
	profileKey = []byte("profile")
)

// Profile is the cached identity of the signed-in user. It lets a restart
// render sender attribution before the network is up.
type Profile struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
}

// Participant is one member of a cached conversation.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Role     string `json:"role"`
}

// Conversation caches the metadata of one conversation: enough to show the
// conversation list offline. Message timelines are never persisted.
type Conversation struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Title         string        `json:"title"`
	Participants  []Participant `json:"participants"`
	LastMessage   string        `json:"lastMessage"`
	LastMessageAt int64         `json:"lastMessageAt"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it if it does
// not exist. Buckets are created on open.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

		return err
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

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the cached session token. Called on logout and when
// the server rejects the cached token.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// Profile returns the cached user profile, or nil if none is stored.
func (s *State) Profile() (*Profile, error) {
	var p *Profile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(profileKey)
		if v == nil {
			return nil
		}

		p = &Profile{}

		return json.Unmarshal(v, p)
	})

	return p, err
}

// SetProfile persists the user profile.
func (s *State) SetProfile(p Profile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(profileKey, data)
	})
}

// GetConversation returns a cached conversation by id, or nil if not found.
func (s *State) GetConversation(id string) (*Conversation, error) {
	var c *Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		c = &Conversation{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// SetConversation caches conversation metadata.
func (s *State) SetConversation(c Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(conversationsBucket).Put([]byte(c.ID), data)
	})
}

// DeleteConversation removes a cached conversation.
func (s *State) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// AllConversations returns all cached conversations, keyed by id.
func (s *State) AllConversations() (map[string]Conversation, error) {
	result := make(map[string]Conversation)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var c Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			result[string(k)] = c

			return nil
		})
	})

	return result, err
}

// ReplaceConversations atomically replaces the conversation cache with the
// given set. Used after a fresh list fetch so conversations deleted on the
// server do not linger in the cache.
func (s *State) ReplaceConversations(convs []Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(conversationsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(conversationsBucket)
		if err != nil {
			return err
		}

		for _, c := range convs {
			if c.ID == "" {
				continue
			}

			data, err := json.Marshal(c)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}
