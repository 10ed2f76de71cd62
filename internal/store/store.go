// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package store writes rendered configuration artifacts to disk, skipping
// the write (and whatever restart it would otherwise trigger) whenever the
// content on disk already matches. It generalizes the handful of
// hand-written "read, compare, write" sequences scattered across
// watcher.py (reload_frr_smooth's .new+rename, openvpn_start's direct
// writes) into one primitive every subsystem handler shares.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// WriteIfChanged writes data to path only if the file does not already
// hold those exact bytes. It reports whether a write happened. Writes go
// through a same-directory temp file and os.Rename so a reader never
// observes a partial file, mirroring reload_frr_smooth's ".new" + rename
// dance generalized to every artifact, not just frr.conf.
func WriteIfChanged(path string, data []byte, perm os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return false, fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return true, nil
}

// DirDiff summarizes the result of materializing a directory of named
// artifacts (spec.md's per-peer tinc host files, per-peer WireGuard
// configs, and similar managed directories).
type DirDiff struct {
	Changed []string // files written with new or different content
	Created []string // files that did not exist before
	Removed []string // files present before that are no longer wanted
}

// Any reports whether materializing the directory changed anything on
// disk, i.e. whether a dependent reload is warranted.
func (d DirDiff) Any() bool {
	return len(d.Changed) > 0 || len(d.Created) > 0 || len(d.Removed) > 0
}

// Materialize makes dir contain exactly the files named in want (name ->
// contents), creating, rewriting, and removing as needed, and reports what
// changed. It is used for managed directories that hold one file per peer
// or per subsystem instance, such as tinc's hosts/ directory.
func Materialize(dir string, want map[string][]byte, perm os.FileMode) (DirDiff, error) {
	var diff DirDiff

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return diff, fmt.Errorf("creating %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return diff, fmt.Errorf("reading %s: %w", dir, err)
	}

	before := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		before[e.Name()] = struct{}{}
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		_, existed := before[name]

		changed, err := WriteIfChanged(path, want[name], perm)
		if err != nil {
			return diff, err
		}
		if changed {
			if existed {
				diff.Changed = append(diff.Changed, name)
			} else {
				diff.Created = append(diff.Created, name)
			}
		}
	}

	for name := range before {
		if _, ok := want[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return diff, fmt.Errorf("removing %s: %w", name, err)
		}
		diff.Removed = append(diff.Removed, name)
	}
	sort.Strings(diff.Removed)

	return diff, nil
}
