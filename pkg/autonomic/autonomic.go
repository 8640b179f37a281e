// Package autonomic is the public API for embedding the self-healing agent
// gateway. This is the stable API for external consumers.
package autonomic

import (
	"github.com/tjfontaine/autonomic-gateway/internal/runtime"
)

// Runtime runs the configured roles of one process.
// See internal/runtime.Runtime for full documentation.
type Runtime = runtime.Runtime

// Option is a functional option for configuring a Runtime.
type Option = runtime.Option

// New creates a new Runtime with the given options.
// Example:
//
//	rt, err := autonomic.New(
//	    autonomic.WithFileConfig("config.yaml"),
//	    autonomic.WithRoles("gateway"),
//	    autonomic.WithNATSEvents("nats://127.0.0.1:4222", "AUTONOMIC"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite          = runtime.WithSQLite
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithStorageProvider = runtime.WithStorageProvider

	// Events
	WithDirectEvents = runtime.WithDirectEvents
	WithNATSEvents   = runtime.WithNATSEvents
	WithEventBus     = runtime.WithEventBus

	// Workflow
	WithGenerator = runtime.WithGenerator
	WithAlerter   = runtime.WithAlerter
	WithSeed      = runtime.WithSeed
	WithRoles     = runtime.WithRoles

	// Advanced options
	WithLogger      = runtime.WithLogger
	WithMetrics     = runtime.WithMetrics
	WithoutListener = runtime.WithoutListener
)
