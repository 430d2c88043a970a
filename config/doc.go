// Package config loads the memhook process configuration.
//
// Configuration is layered: Default supplies every value, each JSON file
// added with Loader.AddLayer is deep-merged on top in order, and MEMHOOK_*
// environment variables are applied last.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/memhook.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations may be written as strings ("75ms", "2s") or as integer
// nanoseconds.
//
// # Environment Overrides
//
//	MEMHOOK_DRIVER_HOST, MEMHOOK_DRIVER_PORT
//	MEMHOOK_MAPPER_DIR, MEMHOOK_MAPPER_ID
//	MEMHOOK_NATS_URLS (comma-separated, also enables the NATS sink)
//	MEMHOOK_NATS_USERNAME, MEMHOOK_NATS_PASSWORD, MEMHOOK_NATS_TOKEN
//
// # Security
//
// Config files are read with size (10MB), nesting depth (100) and path
// traversal checks, and only regular .json files are accepted.
package config
