package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

// ErrNotFound is returned when an instance or location does not exist.
var ErrNotFound = fmt.Errorf("not found")

// fileState is the on-disk shape. Secret fields on the models are tagged
// yaml:"-" so nothing sensitive can land here.
type fileState struct {
	UpdatedAt time.Time        `yaml:"updated_at"`
	Instances []model.Instance `yaml:"instances"`
	Locations []model.Location `yaml:"locations"`
}

// Registry is the durable record of known instances and their locations.
// All mutations persist to disk before returning.
type Registry struct {
	path string

	mu        sync.RWMutex
	instances []model.Instance
	locations []model.Location
}

// Load reads the registry from disk. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	var state fileState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	r.instances = state.Instances
	r.locations = state.Locations
	return r, nil
}

func (r *Registry) save() error {
	state := fileState{
		UpdatedAt: time.Now().UTC(),
		Instances: r.instances,
		Locations: r.locations,
	}
	data, err := yaml.Marshal(&state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o600)
}

// AddInstance stores a new instance, assigning an ID when absent.
func (r *Registry) AddInstance(inst model.Instance) (model.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	for _, existing := range r.instances {
		if existing.ID == inst.ID {
			return model.Instance{}, fmt.Errorf("instance %s already exists", inst.ID)
		}
	}
	r.instances = append(r.instances, inst)
	if err := r.save(); err != nil {
		r.instances = r.instances[:len(r.instances)-1]
		return model.Instance{}, err
	}
	return inst, nil
}

// RemoveInstance deletes an instance and all of its locations.
func (r *Registry) RemoveInstance(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i := range r.instances {
		if r.instances[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	r.instances = append(r.instances[:idx], r.instances[idx+1:]...)
	kept := r.locations[:0]
	for _, loc := range r.locations {
		if loc.InstanceID != id {
			kept = append(kept, loc)
		}
	}
	r.locations = kept
	return r.save()
}

// Instances returns a snapshot of all instances.
func (r *Registry) Instances() []model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

func (r *Registry) InstanceByID(id string) (model.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return model.Instance{}, ErrNotFound
}

// CommitLocation stores a location. The owning instance must exist; a
// location is never committed without one.
func (r *Registry) CommitLocation(loc model.Location) (model.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocationLocked(loc)
}

func (r *Registry) commitLocationLocked(loc model.Location) (model.Location, error) {
	found := false
	for _, inst := range r.instances {
		if inst.ID == loc.InstanceID {
			found = true
			break
		}
	}
	if !found {
		return model.Location{}, fmt.Errorf("instance %s: %w", loc.InstanceID, ErrNotFound)
	}
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	r.locations = append(r.locations, loc)
	if err := r.save(); err != nil {
		r.locations = r.locations[:len(r.locations)-1]
		return model.Location{}, err
	}
	return loc, nil
}

// UpsertLocations refreshes an instance's locations from a newly fetched
// definition set: matching names update in place, new names are inserted.
func (r *Registry) UpsertLocations(instanceID string, defs []model.Location) ([]model.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Location, 0, len(defs))
	for _, def := range defs {
		def.InstanceID = instanceID
		updated := false
		for i := range r.locations {
			if r.locations[i].InstanceID == instanceID && r.locations[i].Name == def.Name {
				def.ID = r.locations[i].ID
				def.RouteAllTraffic = r.locations[i].RouteAllTraffic
				r.locations[i] = def
				updated = true
				break
			}
		}
		if !updated {
			committed, err := r.commitLocationLocked(def)
			if err != nil {
				return nil, err
			}
			def = committed
		}
		out = append(out, def)
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) LocationByID(id string) (model.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, loc := range r.locations {
		if loc.ID == id {
			return loc, nil
		}
	}
	return model.Location{}, ErrNotFound
}

func (r *Registry) LocationsByInstance(instanceID string) []model.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Location
	for _, loc := range r.locations {
		if loc.InstanceID == instanceID {
			out = append(out, loc)
		}
	}
	return out
}

func (r *Registry) RemoveLocation(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.locations {
		if r.locations[i].ID == id {
			r.locations = append(r.locations[:i], r.locations[i+1:]...)
			return r.save()
		}
	}
	return ErrNotFound
}

// SetRouteAllTraffic toggles full-tunnel routing for a location.
func (r *Registry) SetRouteAllTraffic(id string, routeAll bool) (model.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.locations {
		if r.locations[i].ID == id {
			r.locations[i].RouteAllTraffic = routeAll
			if err := r.save(); err != nil {
				return model.Location{}, err
			}
			return r.locations[i], nil
		}
	}
	return model.Location{}, ErrNotFound
}
