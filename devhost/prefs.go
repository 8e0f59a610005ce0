package devhost

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// prefStore holds the application preferences read from a YAML file.
// Keys keep their case and may contain dots, e.g. "H.26X".
type prefStore struct {
	path   string
	logger zerolog.Logger

	mu     sync.RWMutex
	values map[string]interface{}

	// appLock is held between LockAppPref and UnlockAppPref; reloads wait for it
	appLock chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// errEmptyPrefs is returned for a file that is empty, usually because it is
// being rewritten.
var errEmptyPrefs = errors.New("preferences file is empty")

var errPrefsClosed = errors.New("preferences store closed")

func loadPrefs(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading preferences %s", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyPrefs
	}
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "parsing preferences %s", path)
	}
	return values, nil
}

// newPrefStore loads path. An empty path or a missing file gives an empty store.
func newPrefStore(path string) (*prefStore, error) {
	p := &prefStore{
		path:    path,
		logger:  log.With().Str("component", "prefs").Logger(),
		values:  map[string]interface{}{},
		appLock: make(chan struct{}, 1),
	}
	if path == "" {
		return p, nil
	}
	values, err := loadPrefs(path)
	switch {
	case err == nil:
		p.values = values
	case errors.Is(err, errEmptyPrefs):
	case errors.Is(err, os.ErrNotExist):
		p.logger.Warn().Str("path", path).Msg("preferences file missing, starting empty")
	default:
		return nil, err
	}
	return p, nil
}

func (p *prefStore) Get(name string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

func (p *prefStore) Lock() {
	p.appLock <- struct{}{}
}

func (p *prefStore) Unlock() {
	select {
	case <-p.appLock:
	default:
		p.logger.Warn().Msg("unlock of unlocked application preferences")
	}
}

// reload re-reads the file and returns the sorted names that changed.
func (p *prefStore) reload() ([]string, error) {
	values, err := loadPrefs(p.path)
	if err != nil {
		return nil, err
	}

	// the application may hold the lock past Close
	select {
	case p.appLock <- struct{}{}:
	case <-p.done:
		return nil, errPrefsClosed
	}
	p.mu.Lock()
	old := p.values
	p.values = values
	p.mu.Unlock()
	p.Unlock()

	return changedKeys(old, values), nil
}

func changedKeys(old, updated map[string]interface{}) []string {
	var names []string
	for k, v := range updated {
		if ov, ok := old[k]; !ok || !reflect.DeepEqual(ov, v) {
			names = append(names, k)
		}
	}
	for k := range old {
		if _, ok := updated[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// watch calls onChange with the changed names whenever the file changes.
// The directory is watched so editors that replace the file are noticed.
func (p *prefStore) watch(onChange func(names []string)) error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating preferences watcher")
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "watching %s", filepath.Dir(p.path))
	}
	p.watcher = w
	p.done = make(chan struct{})

	target := filepath.Clean(p.path)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				names, err := p.reload()
				if err != nil {
					// a half-written file is retried on the next event
					p.logger.Debug().Err(err).Msg("preferences not reloaded")
					continue
				}
				if len(names) > 0 {
					onChange(names)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Warn().Err(err).Msg("preferences watcher")
			}
		}
	}()
	return nil
}

func (p *prefStore) Close() {
	if p.watcher == nil {
		return
	}
	close(p.done)
	_ = p.watcher.Close()
	p.wg.Wait()
	p.watcher = nil
}
