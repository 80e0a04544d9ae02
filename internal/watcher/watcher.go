// Package watcher monitors the daemon's drop directory for incoming
// AIS batch files. A file is emitted only after its contents stop
// changing for the debounce interval, so half-written uploads are
// never ingested.
package watcher

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DropFile is a stabilized file ready for ingestion.
type DropFile struct {
	Path string
	Hash [32]byte
	Size int64
	Seen time.Time
}

// Watcher tracks a single drop directory.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration

	// last write time per pending file
	state   map[string]time.Time
	stateMu sync.RWMutex

	events chan DropFile
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for dir. Files are considered stable after
// debounce without writes.
func New(dir string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		debounce:  debounce,
		state:     make(map[string]time.Time),
		events:    make(chan DropFile, 64),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of stabilized drop files.
func (w *Watcher) Events() <-chan DropFile {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers the directory and begins emitting events. Files
// already present in the directory are picked up too.
func (w *Watcher) Start() error {
	absDir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return err
	}
	w.dir = absDir
	if err := w.fsWatcher.Add(absDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && eligible(entry.Name()) {
			w.track(filepath.Join(absDir, entry.Name()))
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.stabilityLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// eligible filters to the CSV batches the ingester understands.
func eligible(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".csv")
}

func (w *Watcher) track(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.stateMu.Lock()
	w.state[path] = info.ModTime()
	w.stateMu.Unlock()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !eligible(event.Name) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			w.stateMu.Lock()
			w.state[event.Name] = time.Now()
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// stabilityLoop periodically promotes files whose last write is older
// than the debounce interval.
func (w *Watcher) stabilityLoop() {
	defer w.wg.Done()

	period := w.debounce / 4
	if period < 50*time.Millisecond {
		period = 50 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.promoteStable(now)
		}
	}
}

type pending struct {
	path    string
	lastMod time.Time
}

// promoteStable hashes stable files outside the lock, then re-checks
// that no write landed during hashing before emitting.
func (w *Watcher) promoteStable(now time.Time) {
	threshold := now.Add(-w.debounce)

	var stable []pending
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if lastMod.Before(threshold) {
			stable = append(stable, pending{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()

	if len(stable) == 0 {
		return
	}

	type hashed struct {
		pending
		hash [32]byte
		size int64
		err  error
	}
	results := make([]hashed, len(stable))
	for i, p := range stable {
		h, size, err := HashFile(p.path)
		results[i] = hashed{pending: p, hash: h, size: size, err: err}
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		if r.err != nil {
			if os.IsNotExist(r.err) {
				delete(w.state, r.path)
				continue
			}
			select {
			case w.errors <- r.err:
			default:
			}
			continue
		}

		lastMod, tracked := w.state[r.path]
		if !tracked || lastMod != r.lastMod {
			// Written again while hashing; wait for it to settle.
			continue
		}

		select {
		case w.events <- DropFile{Path: r.path, Hash: r.hash, Size: r.size, Seen: now}:
			delete(w.state, r.path)
		default:
			// Channel full; the next tick retries.
		}
	}
}

// HashFile streams a file through SHA-256.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

// Pending returns the number of files still settling.
func (w *Watcher) Pending() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}
