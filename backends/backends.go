// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the contract a compute backend implements to plug
// into the velocore runtime: code generation from optimized kernel IR, device
// enumeration and the device/stream/buffer resource model.
//
// Concrete backends register themselves through Register, typically from an
// init function, and are selected by name through New or NewWithConfig.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/velocore/velocore/kir"
)

// Backend is a code generator plus the devices that can run its artifacts.
type Backend interface {
	// Name is the short registry name, e.g. "cpu" or "simt".
	Name() string

	// Description is a longer human-readable description used in logs and
	// pretty-printing.
	Description() string

	// NumDevices returns the number of devices this backend exposes.
	NumDevices() int

	// Device returns the n-th device.
	Device(n int) (Device, error)

	// Generate compiles an optimized IR module for the given launch
	// specialization. It must reject IR it cannot faithfully lower with
	// kerrors.ErrBackendUnsupported: silent mistranslation is the one
	// failure mode this interface forbids.
	Generate(m *kir.Module, spec *LaunchSpec) (*Artifact, error)

	// Finalize releases every resource of the backend, cascading through
	// its devices. The backend is invalid afterwards.
	Finalize() error
}

// Constructor builds a backend from a backend-specific options string.
type Constructor func(options string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register makes a backend constructor available to New and NewWithConfig
// under the given name. Call it from the backend package's init. It panics
// on duplicate names, which are always a linking mistake.
func Register(name string, constructor Constructor) {
	if _, dup := registeredConstructors[name]; dup {
		exceptions.Panicf("backends: %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of all registered backends.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is used by New when VELOCORE_BACKEND is not set.
var DefaultConfig string

// ConfigEnvVar is the environment variable holding the default backend
// configuration, in the same "<name>:<options>" format NewWithConfig takes.
const ConfigEnvVar = "VELOCORE_BACKEND"

// New creates a backend from the default configuration: the VELOCORE_BACKEND
// environment variable if set, else DefaultConfig, else the first registered
// backend with empty options.
func New() (Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a "<name>:<options>" configuration
// string. An empty name selects the first registered backend; the options
// part is passed through to the backend's constructor uninterpreted.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New("no backends registered -- import one, e.g. " +
			`_ "github.com/velocore/velocore/backends/cpu"`)
	}
	name, options := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name, options = config[:idx], config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("unknown backend %q in configuration %q (registered: %s)",
			name, config, strings.Join(Registered(), ", "))
	}
	backend, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", name)
	}
	return backend, nil
}
