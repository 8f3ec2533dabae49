// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler orchestrates the pipeline from kernel signature to loaded
// device kernel: IR construction, optimization, backend code generation, and
// a two-level (memory + optional disk) artifact cache keyed by backend,
// signature hash and specialization hash.
//
// A Context is explicit, never a process singleton; tests and embedders run
// as many as they want side by side.
package compiler

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/kir"
)

// Options configure a compilation Context. The zero value works.
type Options struct {
	// CacheBytes caps the summed artifact code size held in memory before
	// least-recently-used entries are evicted. Default 256 MiB.
	CacheBytes int64

	// CacheDir, when set, persists artifacts on disk so later processes
	// skip recompilation. Entries from other compiler versions are
	// ignored and recompiled.
	CacheDir string

	// Pipeline bounds the optimizer. Zero value means defaults.
	Pipeline kir.PipelineOptions
}

// DefaultCacheBytes is the in-memory cache budget when Options.CacheBytes
// is zero.
const DefaultCacheBytes = 256 << 20

// Context owns the kernel cache and the backends it instantiated. Finalize
// releases everything; using the Context afterwards returns errors.
type Context struct {
	opts  Options
	cache *cache
	disk  *diskCache

	mu        sync.Mutex
	backends  map[string]backends.Backend
	finalized bool
}

// New creates a compilation context.
func New(opts Options) (*Context, error) {
	if opts.CacheBytes == 0 {
		opts.CacheBytes = DefaultCacheBytes
	}
	c := &Context{
		opts:     opts,
		cache:    newCache(opts.CacheBytes),
		backends: make(map[string]backends.Backend),
	}
	if opts.CacheDir != "" {
		disk, err := newDiskCache(opts.CacheDir)
		if err != nil {
			return nil, err
		}
		c.disk = disk
	}
	return c, nil
}

// Backend returns the backend for a "name" or "name:options" config string,
// instantiating it on first use. The same config string returns the same
// instance; the Context finalizes the instances it created.
func (c *Context) Backend(config string) (backends.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, errors.Errorf("compiler context is finalized")
	}
	if b, ok := c.backends[config]; ok {
		return b, nil
	}
	b, err := backends.NewWithConfig(config)
	if err != nil {
		return nil, err
	}
	c.backends[config] = b
	return b, nil
}

// Compile produces the backend artifact for a signature under a launch
// specialization, through the cache. Concurrent calls for the same key share
// one compilation; a failed compilation is cached and re-returned until
// Invalidate.
func (c *Context) Compile(b backends.Backend, sig *kernel.Signature, spec *backends.LaunchSpec) (*backends.Artifact, error) {
	key := cacheKey{backend: b.Name(), sig: sig.Hash(), spec: spec.Hash()}
	e, owner := c.cache.acquire(key)
	if !owner {
		return e.wait()
	}

	artifact, err := c.compileMiss(b, sig, spec, key)
	c.cache.complete(key, e, artifact, err)
	return artifact, err
}

// compileMiss runs the actual pipeline: disk probe, then build, optimize and
// generate.
func (c *Context) compileMiss(b backends.Backend, sig *kernel.Signature, spec *backends.LaunchSpec, key cacheKey) (*backends.Artifact, error) {
	if c.disk != nil {
		if artifact, ok := c.disk.load(key); ok {
			klog.V(1).Infof("compiler: disk cache hit for %s", key)
			return artifact, nil
		}
	}
	m, err := kir.Build(sig, spec.Constants)
	if err != nil {
		return nil, err
	}
	kir.Optimize(m, c.opts.Pipeline)
	artifact, err := b.Generate(m, spec)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("compiler: compiled %q for %s (%s)", sig.Entry().Name, b.Name(), artifact)
	if c.disk != nil {
		c.disk.store(key, artifact)
	}
	return artifact, nil
}

// CompileAndLoad compiles (cache-aware) and loads the artifact on the given
// device, returning a launchable kernel handle.
func (c *Context) CompileAndLoad(dev backends.Device, b backends.Backend, sig *kernel.Signature, spec *backends.LaunchSpec) (backends.Kernel, error) {
	artifact, err := c.Compile(b, sig, spec)
	if err != nil {
		return nil, err
	}
	return dev.LoadKernel(artifact)
}

// Invalidate drops the cache entry for a key, including a cached failure.
// An in-flight compilation is left to finish; its result lands normally.
func (c *Context) Invalidate(b backends.Backend, sig *kernel.Signature, spec *backends.LaunchSpec) {
	key := cacheKey{backend: b.Name(), sig: sig.Hash(), spec: spec.Hash()}
	c.cache.invalidate(key)
	if c.disk != nil {
		c.disk.remove(key)
	}
}

// Finalize releases the cache and every backend this context instantiated.
func (c *Context) Finalize() error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	owned := c.backends
	c.backends = nil
	c.mu.Unlock()

	c.cache.clear()
	var err error
	for _, b := range owned {
		err = multierr.Append(err, b.Finalize())
	}
	return err
}
