// Package directory resolves users and role holders for the approval engine,
// from a static YAML file or PostgreSQL, optionally behind a cache.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/signoff/model"
)

type usersFile struct {
	Users []model.User `yaml:"users"`
}

// StaticDirectory serves users from a YAML file of the form:
//
//	users:
//	  - id: pm-1
//	    role: PropertyManager
//	    email: pm@example.com
type StaticDirectory struct {
	path   string
	mu     sync.RWMutex
	byID   map[string]model.User
	byRole map[string][]model.User
}

// NewStaticDirectory loads users from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromUsers builds a directory from an in-memory list.
func NewStaticDirectoryFromUsers(users []model.User) (*StaticDirectory, error) {
	d := &StaticDirectory{}
	if err := d.replace(users); err != nil {
		return nil, err
	}
	return d, nil
}

// GetUserByID returns the user with the given ID or a NOT_FOUND error.
func (d *StaticDirectory) GetUserByID(_ context.Context, id string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byID[id]
	if !ok {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return u, nil
}

// GetUsersByRole returns every user holding role, ordered by ID.
func (d *StaticDirectory) GetUsersByRole(_ context.Context, role string) ([]model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	holders := d.byRole[role]
	out := make([]model.User, len(holders))
	copy(out, holders)
	return out, nil
}

// Len returns the number of users loaded.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// load reads the users file from disk.
func (d *StaticDirectory) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading users file %s: %w", d.path, err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing users file %s: %w", d.path, err)
	}
	return d.replace(f.Users)
}

func (d *StaticDirectory) replace(users []model.User) error {
	byID := make(map[string]model.User, len(users))
	byRole := make(map[string][]model.User)
	for i, u := range users {
		if u.ID == "" {
			return fmt.Errorf("directory: user at index %d has no id", i)
		}
		if _, dup := byID[u.ID]; dup {
			return fmt.Errorf("directory: duplicate user id %q", u.ID)
		}
		byID[u.ID] = u
		if u.Role != "" {
			byRole[u.Role] = append(byRole[u.Role], u)
		}
	}
	for _, holders := range byRole {
		sort.Slice(holders, func(i, j int) bool { return holders[i].ID < holders[j].ID })
	}

	d.mu.Lock()
	d.byID = byID
	d.byRole = byRole
	d.mu.Unlock()
	return nil
}
