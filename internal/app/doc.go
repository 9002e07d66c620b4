// Package app composes the stream engine's services into a running
// application.
//
// The layout mirrors the split between composition and business logic:
//
//	internal/app/
//	├── application.go      # wiring and lifecycle
//	├── domain/             # pure data models (wallet, action, project, stream)
//	├── storage/            # store interfaces, memory and sqlite implementations
//	├── services/           # session, dispatch, projector, projects, streamquery
//	├── httpapi/            # read-only status API
//	├── system/             # lifecycle Service interface and Manager
//	└── metrics/            # prometheus collectors
//
// Services hold the business rules and depend only on the storage
// interfaces and the external clients (internal/circle, internal/chain,
// internal/backend) injected through Options.
package app
