package session

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForEndpoint blocks until endpoint exists or ctx ends. It watches the
// endpoint's directory and falls back to polling when the directory cannot be
// watched (missing directory, named pipes).
func WaitForEndpoint(ctx context.Context, endpoint string, poll BackoffConfig) error {
	if EndpointExists(endpoint) {
		return nil
	}
	if poll.InitialDelay <= 0 {
		poll = DefaultPollBackoff()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pollEndpoint(ctx, endpoint, poll)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(endpoint)); err != nil {
		return pollEndpoint(ctx, endpoint, poll)
	}
	// The endpoint may have appeared between the first check and Add.
	if EndpointExists(endpoint) {
		return nil
	}

	want := filepath.Clean(endpoint)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return pollEndpoint(ctx, endpoint, poll)
			}
			if filepath.Clean(ev.Name) == want && ev.Has(fsnotify.Create) {
				return nil
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return pollEndpoint(ctx, endpoint, poll)
			}
		}
	}
}

func pollEndpoint(ctx context.Context, endpoint string, poll BackoffConfig) error {
	for attempt := 1; ; attempt++ {
		if EndpointExists(endpoint) {
			return nil
		}
		if err := sleepBackoff(ctx, poll, attempt, nil); err != nil {
			return err
		}
	}
}
