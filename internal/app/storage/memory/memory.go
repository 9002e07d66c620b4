// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/project"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	device      wallet.DeviceIdentity
	hasDevice   bool
	credentials map[string]wallet.DeviceCredential
	actions     map[string]action.Record
	projects    map[string]project.Record
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.ActionStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		credentials: make(map[string]wallet.DeviceCredential),
		actions:     make(map[string]action.Record),
		projects:    make(map[string]project.Record),
	}
}

func (s *Store) allocateID(prefix string) string {
	id := fmt.Sprintf("%s-%d", prefix, s.nextID)
	s.nextID++
	return id
}

// GetDeviceIdentity returns the cached device identity.
func (s *Store) GetDeviceIdentity(ctx context.Context) (wallet.DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasDevice {
		return wallet.DeviceIdentity{}, storage.ErrNotFound
	}
	return s.device, nil
}

// PutDeviceIdentity stores the device identity.
func (s *Store) PutDeviceIdentity(ctx context.Context, id wallet.DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	s.device = id
	s.hasDevice = true
	return nil
}

// GetDeviceCredential returns the credential cached for a device.
func (s *Store) GetDeviceCredential(ctx context.Context, deviceID string) (wallet.DeviceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[deviceID]
	if !ok {
		return wallet.DeviceCredential{}, storage.ErrNotFound
	}
	return cred, nil
}

// PutDeviceCredential caches a device credential.
func (s *Store) PutDeviceCredential(ctx context.Context, cred wallet.DeviceCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.DeviceID == "" {
		return fmt.Errorf("device id required")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now().UTC()
	}
	s.credentials[cred.DeviceID] = cred
	return nil
}

// DeleteDeviceCredential drops a cached credential.
func (s *Store) DeleteDeviceCredential(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, deviceID)
	return nil
}

// CreateAction stores a new action record.
func (s *Store) CreateAction(ctx context.Context, rec action.Record) (action.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.allocateID("action")
	}
	if _, exists := s.actions[rec.ID]; exists {
		return action.Record{}, fmt.Errorf("action %s already exists", rec.ID)
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.actions[rec.ID] = rec
	return rec, nil
}

// UpdateAction replaces an existing action record.
func (s *Store) UpdateAction(ctx context.Context, rec action.Record) (action.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.actions[rec.ID]
	if !ok {
		return action.Record{}, storage.ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.actions[rec.ID] = rec
	return rec, nil
}

// GetAction fetches an action record by id.
func (s *Store) GetAction(ctx context.Context, id string) (action.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.actions[id]
	if !ok {
		return action.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListActions returns action records for an entity, all entities when empty.
func (s *Store) ListActions(ctx context.Context, entity string) ([]action.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []action.Record
	for _, rec := range s.actions {
		if entity == "" || rec.Entity == entity {
			out = append(out, rec)
		}
	}
	return out, nil
}

// InFlightAction returns the non-terminal record for (entity, kind), if any.
func (s *Store) InFlightAction(ctx context.Context, entity string, kind action.Kind) (action.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.actions {
		if rec.Entity == entity && rec.Kind == kind && !rec.Status.Terminal() {
			return rec, true, nil
		}
	}
	return action.Record{}, false, nil
}

// CreateProject stores a project record.
func (s *Store) CreateProject(ctx context.Context, rec project.Record) (project.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.allocateID("project")
	}
	if _, exists := s.projects[rec.ID]; exists {
		return project.Record{}, fmt.Errorf("project %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.projects[rec.ID] = rec
	return rec, nil
}

// UpdateProject replaces a project record.
func (s *Store) UpdateProject(ctx context.Context, rec project.Record) (project.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[rec.ID]; !ok {
		return project.Record{}, storage.ErrNotFound
	}
	s.projects[rec.ID] = rec
	return rec, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (project.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.projects[id]
	if !ok {
		return project.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListProjects returns projects for an owner address, all when empty.
func (s *Store) ListProjects(ctx context.Context, owner string) ([]project.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []project.Record
	for _, rec := range s.projects {
		if owner == "" || rec.ContractorAddr == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}
