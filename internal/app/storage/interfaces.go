// Package storage defines the persistence contracts for the stream engine.
package storage

import (
	"context"
	"errors"

	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/project"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// SessionStore persists the device identity and the device credential the
// wallet provider issues for it. Login results are deliberately absent:
// they live in memory only.
type SessionStore interface {
	GetDeviceIdentity(ctx context.Context) (wallet.DeviceIdentity, error)
	PutDeviceIdentity(ctx context.Context, id wallet.DeviceIdentity) error

	GetDeviceCredential(ctx context.Context, deviceID string) (wallet.DeviceCredential, error)
	PutDeviceCredential(ctx context.Context, cred wallet.DeviceCredential) error
	DeleteDeviceCredential(ctx context.Context, deviceID string) error
}

// ActionStore persists pending action records.
type ActionStore interface {
	CreateAction(ctx context.Context, rec action.Record) (action.Record, error)
	UpdateAction(ctx context.Context, rec action.Record) (action.Record, error)
	GetAction(ctx context.Context, id string) (action.Record, error)
	ListActions(ctx context.Context, entity string) ([]action.Record, error)
	InFlightAction(ctx context.Context, entity string, kind action.Kind) (action.Record, bool, error)
}

// ProjectStore caches project records keyed by the owner's wallet address.
type ProjectStore interface {
	CreateProject(ctx context.Context, rec project.Record) (project.Record, error)
	UpdateProject(ctx context.Context, rec project.Record) (project.Record, error)
	GetProject(ctx context.Context, id string) (project.Record, error)
	ListProjects(ctx context.Context, owner string) ([]project.Record, error)
}
