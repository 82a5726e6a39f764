// Package app provides the application composition layer for the relay.
//
// # Architecture Role
//
// The app package sits above the domain services and is responsible for
// composing them into a running application. It is NOT a business logic
// layer - business logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Main application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── profile/        # User profiles
//	│   ├── conversation/   # One-to-one conversations
//	│   ├── message/        # Chat messages
//	│   └── session/        # Token session records
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (ProfileStore, MessageStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   ├── postgres/       # PostgreSQL implementation
//	│   └── supabasestore/  # Supabase (PostgREST) implementation
//	├── services/           # Business logic services
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus metrics
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services with their stores and the relay hub
//   - Defining storage interfaces that services depend on
//   - Providing domain models shared across services
//   - Exposing HTTP API endpoints for external access
//   - Managing application-level concerns (lifecycle, metrics, scheduling)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g., "reactions"):
//
//  1. Create domain models in internal/app/domain/reactions/
//  2. Add a storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in memory/, postgres/, and supabasestore/
//  4. Create the service in internal/app/services/reactions/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/
package app
