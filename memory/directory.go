package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GetStream/duochat/chat"
)

// Directory is an in-process user directory.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]chat.Profile
}

var _ chat.Directory = (*Directory)(nil)

// NewDirectory returns a directory holding profiles.
func NewDirectory(profiles ...chat.Profile) *Directory {
	d := &Directory{profiles: make(map[string]chat.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *Directory) Put(p chat.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *Directory) Profile(ctx context.Context, id string) (chat.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return chat.Profile{}, fmt.Errorf("%w: %s", chat.ErrProfileNotFound, id)
	}
	return p, nil
}

// Profiles returns every profile ordered by name.
func (d *Directory) Profiles(ctx context.Context) ([]chat.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
