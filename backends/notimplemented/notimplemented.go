// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented provides an embeddable Backend implementation whose
// every method fails with kerrors.ErrBackendUnsupported.
//
// Accelerator-bridge integrations embed it and override only what their
// vendor runtime actually supports, keeping the Backend interface free to
// grow without breaking them.
package notimplemented

import (
	"github.com/pkg/errors"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/kerrors"
)

// Backend implements backends.Backend by rejecting everything.
type Backend struct{}

// Name implements backends.Backend.
func (Backend) Name() string { return "notimplemented" }

// Description implements backends.Backend.
func (Backend) Description() string { return "stub backend rejecting all operations" }

// NumDevices implements backends.Backend.
func (Backend) NumDevices() int { return 0 }

// Device implements backends.Backend.
func (Backend) Device(n int) (backends.Device, error) {
	return nil, errors.Wrapf(kerrors.ErrBackendUnsupported, "device %d", n)
}

// Generate implements backends.Backend.
func (Backend) Generate(m *kir.Module, spec *backends.LaunchSpec) (*backends.Artifact, error) {
	return nil, errors.Wrapf(kerrors.ErrBackendUnsupported, "generating code for kernel %q", m.Name)
}

// Finalize implements backends.Backend.
func (Backend) Finalize() error { return nil }
