package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"
)

var log = commonlog.GetLogger("etk.config")

// Watcher keeps a Config in sync with its file. Subscribers are called after
// every successful reload; a file that fails to load leaves the current
// Config in place.
type Watcher struct {
	path string
	fs   *fsnotify.Watcher
	sf   singleflight.Group

	mu     sync.Mutex
	cur    Config
	subs   map[int]func(Config)
	nextID int

	done chan struct{}
}

// Watch loads path and starts watching it. The containing directory is
// watched so that editors replacing the file are noticed.
func Watch(path string) (*Watcher, error) {
	if path == "" {
		path = DefaultPath()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{path: path, fs: fw, cur: c, subs: make(map[int]func(Config)), done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := w.Reload(); err != nil {
				log.Warningf("config reload: %s", err)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warningf("config watch: %s", err)
		}
	}
}

// Reload reads the file now. Concurrent reloads share one read.
func (w *Watcher) Reload() (Config, error) {
	v, err, _ := w.sf.Do("reload", func() (any, error) {
		c, err := Load(w.path)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.cur = c
		subs := make([]func(Config), 0, len(w.subs))
		for _, fn := range w.subs {
			subs = append(subs, fn)
		}
		w.mu.Unlock()
		log.Infof("config reloaded from %s", w.path)
		for _, fn := range subs {
			fn(c)
		}
		return c, nil
	})
	if err != nil {
		return Config{}, err
	}
	return v.(Config), nil
}

// Current returns the last successfully loaded Config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Subscribe registers fn for reloads. The returned func unregisters it.
func (w *Watcher) Subscribe(fn func(Config)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
