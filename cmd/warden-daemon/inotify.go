// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// watchMask covers everything that can change the realm collection:
// realm directories appearing or vanishing, and definition files being
// written or replaced inside them.
const watchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_TO |
	unix.IN_MOVED_FROM | unix.IN_CLOSE_WRITE

// realmsWatcher watches the realms base directory and each realm
// subdirectory via inotify, so definition changes trigger a rescan
// without polling.
type realmsWatcher struct {
	fd      int
	baseDir string

	mu sync.Mutex // guards watch registration against concurrent refresh
}

// newRealmsWatcher sets up the inotify instance and installs the
// initial watches.
func newRealmsWatcher(baseDir string) (*realmsWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	w := &realmsWatcher{fd: fd, baseDir: baseDir}
	if err := w.addWatches(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return w, nil
}

// addWatches registers the base directory and every realm subdirectory.
// Re-adding an already watched path is idempotent (same watch
// descriptor comes back), so this is safe to call after every rescan to
// cover directories that appeared since the last call.
func (w *realmsWatcher) addWatches() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := unix.InotifyAddWatch(w.fd, w.baseDir, watchMask); err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w", w.baseDir, err)
	}

	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.baseDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "realm-") {
			continue
		}
		path := filepath.Join(w.baseDir, entry.Name())
		// A directory removed between ReadDir and here is fine; its
		// removal already produced an event on the base watch.
		unix.InotifyAddWatch(w.fd, path, watchMask)
	}
	return nil
}

// refreshWatches re-registers watches after a rescan, picking up realm
// directories created since the watcher started.
func (w *realmsWatcher) refreshWatches() {
	_ = w.addWatches()
}

// run polls the inotify descriptor until the context is cancelled,
// invoking onChange once per batch of events. Event contents are not
// inspected: any activity under the realms directory means the
// collection must be reconciled, and the rescan itself determines what
// actually changed.
//
// Uses poll(2) with a 100ms timeout so the goroutine stays responsive
// to cancellation without burning CPU on a tight loop.
func (w *realmsWatcher) run(ctx context.Context, onChange func()) {
	defer unix.Close(w.fd)

	buffer := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if count == 0 {
			continue
		}

		if _, err := unix.Read(w.fd, buffer); err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		onChange()
	}
}
