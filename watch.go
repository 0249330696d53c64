package botfleet

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// WatchEvent represents a status change event from watching a worker
type WatchEvent struct {
	Status WorkerStatus
	Err    error
}

// WatchCleanupFunc stops a watch and releases its resources
type WatchCleanupFunc func() error

// watchState manages the debounce state of one watch
type watchState struct {
	mu        sync.Mutex
	lastRaw   []byte
	debouncer *time.Timer
}

// WatchWorker streams status changes for one worker's on-disk status
// record. Events are debounced to coalesce rapid rewrites. The returned
// cleanup function must be called to stop the watch; the event channel is
// closed afterwards.
func WatchWorker(ctx context.Context, baseDir, id string) (<-chan WatchEvent, WatchCleanupFunc, error) {
	dir := workerDir(baseDir, id)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &OpError{Op: OpWatch, ID: id, Err: err}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, &OpError{Op: OpWatch, ID: id, Err: err}
	}

	ch := make(chan WatchEvent, 10)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	state := &watchState{}

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	readAndSend := func() {
		if sctx.IsStopping() {
			return
		}

		raw, err := os.ReadFile(statusPath(baseDir, id))
		if err != nil {
			// The record disappears briefly during atomic replacement;
			// the next event re-reads it.
			if os.IsNotExist(err) {
				return
			}
			select {
			case ch <- WatchEvent{Err: err}:
			case <-sctx.Stopping():
			}
			return
		}

		state.mu.Lock()
		changed := !bytes.Equal(raw, state.lastRaw)
		if changed {
			state.lastRaw = raw
		}
		state.mu.Unlock()
		if !changed {
			return
		}

		st, err := ReadStatusFile(baseDir, id)
		ev := WatchEvent{Status: st, Err: err}
		if !sctx.IsStopping() {
			select {
			case ch <- ev:
			case <-sctx.Stopping():
			}
		}
	}

	// Initial read so consumers see the current state immediately
	readAndSend()

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			state.mu.Lock()
			if state.debouncer != nil {
				state.debouncer.Stop()
			}
			state.mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != StatusFile {
					continue
				}
				state.mu.Lock()
				if state.debouncer != nil {
					state.debouncer.Stop()
				}
				state.debouncer = time.AfterFunc(DefaultWatchDebounce, readAndSend)
				state.mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					select {
					case ch <- WatchEvent{Err: err}:
					case <-sctx.Stopping():
						return nil
					}
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
