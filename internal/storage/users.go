package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// UserStore is the file-backed user/settings store: a JSON object
// mapping email to the user record. Small enough to rewrite whole on
// every mutation; writes go through a temp file and rename.
type UserStore struct {
	path string

	mu    sync.RWMutex
	users map[string]*models.User
}

// NewUserStore loads the user file, creating an empty store when the
// file does not exist yet
func NewUserStore(path string) (*UserStore, error) {
	if path == "" {
		return nil, fmt.Errorf("user store path cannot be empty")
	}

	s := &UserStore{
		path:  path,
		users: make(map[string]*models.User),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, wrapErr("users.load", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.users); err != nil {
			return nil, wrapErr("users.load", err)
		}
		for email, u := range s.users {
			u.Email = email
		}
	}
	return s, nil
}

// Get returns one user by email
func (s *UserStore) Get(email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// Upsert inserts or replaces a user and persists the file
func (s *UserStore) Upsert(u *models.User) error {
	if u.Email == "" {
		return fmt.Errorf("user email cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *u
	s.users[u.Email] = &copied
	return s.persistLocked()
}

// Delete removes a user and persists the file
func (s *UserStore) Delete(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[email]; !ok {
		return ErrNotFound
	}
	delete(s.users, email)
	return s.persistLocked()
}

// List returns all users sorted by email
func (s *UserStore) List() []*models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		copied := *u
		users = append(users, &copied)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users
}

func (s *UserStore) persistLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return wrapErr("users.persist", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wrapErr("users.persist", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return wrapErr("users.persist", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return wrapErr("users.persist", err)
	}
	return nil
}
