package project

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the repository-to-project mapping as an immutable snapshot.
// Readers always observe either the whole old mapping or the whole new one;
// Replace swaps the snapshot, it never mutates it in place.
type Registry struct {
	mu     sync.RWMutex
	byRepo map[string]*Project
}

// NewRegistry creates a new registry from a loaded mapping
func NewRegistry(byRepo map[string]*Project) *Registry {
	if byRepo == nil {
		byRepo = make(map[string]*Project)
	}
	return &Registry{byRepo: byRepo}
}

// Lookup retrieves the project configured for a repository
func (r *Registry) Lookup(repo string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proj, exists := r.byRepo[repo]
	if !exists {
		return nil, fmt.Errorf("repository '%s' not configured", repo)
	}

	return proj, nil
}

// Projects returns all distinct projects, deduplicated by name and
// sorted for stable output
func (r *Registry) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]*Project)
	for _, proj := range r.byRepo {
		seen[proj.Name] = proj
	}

	projects := make([]*Project, 0, len(seen))
	for _, proj := range seen {
		projects = append(projects, proj)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].Name < projects[j].Name
	})

	return projects
}

// Names returns the distinct project names, sorted
func (r *Registry) Names() []string {
	projects := r.Projects()
	names := make([]string, 0, len(projects))
	for _, proj := range projects {
		names = append(names, proj.Name)
	}
	return names
}

// Count returns the number of configured repository mappings
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byRepo)
}

// Replace atomically swaps in a freshly built mapping
func (r *Registry) Replace(byRepo map[string]*Project) {
	if byRepo == nil {
		byRepo = make(map[string]*Project)
	}

	r.mu.Lock()
	r.byRepo = byRepo
	r.mu.Unlock()
}
