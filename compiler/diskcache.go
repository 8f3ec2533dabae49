// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/velocore/velocore/backends"
)

// Version tags persisted artifacts. Any change to the IR, the pass pipeline
// or a backend's instruction encoding must bump it; entries written by other
// versions are recompiled, never loaded.
const Version = "velocore-1"

// diskEntry is the on-disk envelope of one artifact.
type diskEntry struct {
	Version  string
	Artifact backends.Artifact
}

// diskCache persists artifacts under a directory, one file per cache key.
// It is best-effort: read and write failures degrade to recompilation and a
// V(1) log line, never to a compile error.
type diskCache struct {
	dir string
}

func newDiskCache(dir string) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating kernel cache directory %q", dir)
	}
	return &diskCache{dir: dir}, nil
}

func (d *diskCache) path(key cacheKey) string {
	return filepath.Join(d.dir, key.String()+".vkc")
}

func (d *diskCache) load(key cacheKey) (*backends.Artifact, bool) {
	f, err := os.Open(d.path(key))
	if err != nil {
		return nil, false
	}
	defer f.Close()
	var e diskEntry
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		klog.V(1).Infof("compiler: unreadable disk cache entry %s: %v", key, err)
		return nil, false
	}
	if e.Version != Version {
		klog.V(1).Infof("compiler: disk cache entry %s has version %q, want %q; recompiling",
			key, e.Version, Version)
		return nil, false
	}
	return &e.Artifact, true
}

// store writes through a temp file and renames, so a crashed writer never
// leaves a truncated entry behind.
func (d *diskCache) store(key cacheKey, artifact *backends.Artifact) {
	tmp, err := os.CreateTemp(d.dir, "*.vkc.tmp")
	if err != nil {
		klog.V(1).Infof("compiler: cannot write disk cache entry %s: %v", key, err)
		return
	}
	e := diskEntry{Version: Version, Artifact: *artifact}
	if err := gob.NewEncoder(tmp).Encode(&e); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		klog.V(1).Infof("compiler: cannot encode disk cache entry %s: %v", key, err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		klog.V(1).Infof("compiler: cannot write disk cache entry %s: %v", key, err)
		return
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		os.Remove(tmp.Name())
		klog.V(1).Infof("compiler: cannot publish disk cache entry %s: %v", key, err)
	}
}

func (d *diskCache) remove(key cacheKey) {
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		klog.V(1).Infof("compiler: cannot remove disk cache entry %s: %v", key, err)
	}
}
