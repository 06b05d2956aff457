// Package config loads and validates TaskMesh engine tuning parameters and
// the startup declarations (capabilities, model bindings, agents) consumed by
// the engine at initialization.
//
// Files are read with viper; every key can be overridden through the
// TASKMESH_ environment prefix. The zero configuration returned by Default is
// valid and production-usable; Load only overrides what the file names.
package config
