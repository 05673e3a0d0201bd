package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yumelira/yumebox-go/internal/config"
	"github.com/yumelira/yumebox-go/internal/util"
)

type repositoryFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Repository stores profiles in a YAML file. At most one profile is enabled.
type Repository struct {
	path string
	now  func() time.Time

	mu   sync.RWMutex
	data repositoryFile
}

// OpenRepository loads the repository at path; a missing file starts empty.
func OpenRepository(path string) (*Repository, error) {
	r := &Repository{path: path, now: time.Now}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	if err := yaml.Unmarshal(raw, &r.data); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	r.sortLocked()
	return r, nil
}

func (r *Repository) sortLocked() {
	sort.SliceStable(r.data.Profiles, func(i, j int) bool {
		return r.data.Profiles[i].Order < r.data.Profiles[j].Order
	})
}

func (r *Repository) saveLocked() error {
	if err := config.Save(r.path, r.data); err != nil {
		return fmt.Errorf("failed to save profiles: %w", err)
	}
	return nil
}

func (r *Repository) indexLocked(id string) int {
	for i, p := range r.data.Profiles {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func notFound(id string) error {
	return util.WrapErrorf(util.ErrNotFound, "profile %s", id)
}

// All returns every profile in display order.
func (r *Repository) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Profile(nil), r.data.Profiles...)
}

// Get returns the profile with id.
func (r *Repository) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.data.Profiles[i], nil
	}
	return Profile{}, notFound(id)
}

// Find returns the first profile whose id or name matches key.
func (r *Repository) Find(key string) (Profile, error) {
	if p, err := r.Get(key); err == nil {
		return p, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.data.Profiles {
		if strings.EqualFold(p.Name, key) {
			return p, nil
		}
	}
	return Profile{}, notFound(key)
}

// Enabled returns the enabled profile.
func (r *Repository) Enabled() (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.data.Profiles {
		if p.Enabled {
			return p, true
		}
	}
	return Profile{}, false
}

// Add validates p, assigns it an id and appends it.
func (r *Repository) Add(p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if r.indexLocked(p.ID) >= 0 {
		return Profile{}, util.WrapErrorf(util.ErrAlreadyExists, "profile %s", p.ID)
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Order = len(r.data.Profiles)
	p.Enabled = false
	if strings.TrimSpace(p.Name) == "" {
		p.Name = "New profile"
	}

	r.data.Profiles = append(r.data.Profiles, p)
	if err := r.saveLocked(); err != nil {
		r.data.Profiles = r.data.Profiles[:len(r.data.Profiles)-1]
		return Profile{}, err
	}
	return p, nil
}

// Update replaces a stored profile. Enabled and Order are kept; use
// SetEnabled and Reorder to change them.
func (r *Repository) Update(p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(p.ID)
	if i < 0 {
		return notFound(p.ID)
	}
	old := r.data.Profiles[i]
	p.Enabled = old.Enabled
	p.Order = old.Order
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = r.now()
	r.data.Profiles[i] = p
	if err := r.saveLocked(); err != nil {
		r.data.Profiles[i] = old
		return err
	}
	return nil
}

// Remove deletes the profile with id.
func (r *Repository) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return notFound(id)
	}
	r.data.Profiles = append(r.data.Profiles[:i], r.data.Profiles[i+1:]...)
	for j := range r.data.Profiles {
		r.data.Profiles[j].Order = j
	}
	return r.saveLocked()
}

// Reorder moves the profiles listed in ids to the front in that order.
// Unlisted profiles keep their relative order after them.
func (r *Repository) Reorder(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		if r.indexLocked(id) < 0 {
			return notFound(id)
		}
		rank[id] = i
	}
	sort.SliceStable(r.data.Profiles, func(i, j int) bool {
		ri, iok := rank[r.data.Profiles[i].ID]
		rj, jok := rank[r.data.Profiles[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return false
		}
	})
	for i := range r.data.Profiles {
		r.data.Profiles[i].Order = i
	}
	return r.saveLocked()
}

// SetEnabled enables id and disables every other profile, or disables id.
func (r *Repository) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return notFound(id)
	}
	for j := range r.data.Profiles {
		if j == i {
			r.data.Profiles[j].Enabled = enabled
		} else if enabled {
			r.data.Profiles[j].Enabled = false
		}
	}
	return r.saveLocked()
}

// IDs returns the id of every profile.
func (r *Repository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data.Profiles))
	for _, p := range r.data.Profiles {
		ids = append(ids, p.ID)
	}
	return ids
}
