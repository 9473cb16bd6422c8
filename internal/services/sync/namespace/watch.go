package namespace

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the policy file at path and calls onChange with the newly
// loaded registry each time the file is written or replaced. It runs until
// ctx is cancelled.
//
// The parent directory is watched so saves that rename a new file over path
// keep being seen.
//
// An empty file is treated as a save in progress and ignored. A reload that
// fails to parse is logged and the previous registry stays
// active; onChange is not called.
func Watch(ctx context.Context, path string, logf func(string, ...any), onChange func(*Registry)) error {
	if logf == nil {
		logf = log.Printf
	}
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// A save renamed over path arrives as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			data, err := os.ReadFile(path)
			if err != nil {
				logf("namespace policy reload failed, keeping previous policy: %v", err)
				continue
			}
			// Truncation during an in-place save shows up as an empty file.
			if len(bytes.TrimSpace(data)) == 0 {
				continue
			}
			reg, err := ParsePolicy(data)
			if err != nil {
				logf("namespace policy reload failed, keeping previous policy: %v", err)
				continue
			}
			logf("namespace policy reloaded from %s", path)
			onChange(reg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("namespace policy watcher: %v", err)
		}
	}
}
