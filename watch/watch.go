// Package watch re-ingests a source whenever it changes on disk.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/fetch"
	"github.com/t7a/pitfetch/source"
)

// DefaultDebounce is how long a burst of events must go quiet before
// the source is ingested again.
const DefaultDebounce = 250 * time.Millisecond

// Callback receives the outcome of every ingestion.
type Callback func(res *fetch.Result, err error)

// Watcher ingests Root once, then again after every change.
type Watcher struct {
	Fetcher  *fetch.Fetcher
	Root     string
	Options  fetch.Options
	Debounce time.Duration
	Callback Callback

	fsw  *fsnotify.Watcher
	file string // set when Root is a single file
}

// New returns a watcher for root.  A directory is watched recursively;
// for a single file its parent directory is watched, since editors
// usually replace files rather than write them in place.
func New(f *fetch.Fetcher, root string, opts fetch.Options, cb Callback) (w *Watcher, err error) {
	defer Return(&err)
	root, err = filepath.Abs(root)
	Ck(err)
	w = &Watcher{Fetcher: f, Root: root, Options: opts, Debounce: DefaultDebounce, Callback: cb}

	w.fsw, err = fsnotify.NewWatcher()
	Ck(err)

	fi, err := os.Stat(root)
	if err != nil {
		w.fsw.Close()
		return nil, err
	}
	if !fi.IsDir() {
		w.file = root
		err = w.fsw.Add(filepath.Dir(root))
	} else {
		err = w.addTree(root)
	}
	if err != nil {
		w.fsw.Close()
		return nil, err
	}
	return
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return afero.Walk(afero.NewOsFs(), dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return nil
		}
		log.Debugf("watching %s", p)
		return w.fsw.Add(p)
	})
}

func (w *Watcher) source() *source.FS {
	if w.file != "" {
		return source.File(w.file)
	}
	return source.Dir(w.Root)
}

func (w *Watcher) ingest(ctx context.Context) {
	res, err := w.Fetcher.Ingest(ctx, w.source(), w.Options)
	if err != nil {
		log.Warnf("ingest %s: %v", w.Root, err)
	} else {
		log.Debugf("ingest %s: %s %s", w.Root, res.Outcome, res.ID)
	}
	if w.Callback != nil {
		w.Callback(res, err)
	}
}

// relevant reports whether ev can change what gets ingested.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if w.file != "" {
		return filepath.Clean(ev.Name) == w.file
	}
	return ev.Op != fsnotify.Chmod
}

// Run ingests once and then after every quiet period following a
// change, until ctx is done.  It closes the underlying watcher on
// return.
func (w *Watcher) Run(ctx context.Context) (err error) {
	defer w.fsw.Close()
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w.ingest(ctx)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			log.Debugf("event %s", ev)
			if w.file == "" && ev.Op&fsnotify.Create != 0 {
				if fi, serr := os.Stat(ev.Name); serr == nil && fi.IsDir() {
					if aerr := w.addTree(ev.Name); aerr != nil {
						log.Warnf("watch %s: %v", ev.Name, aerr)
					}
				}
			}
			timer.Reset(debounce)
		case werr, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch %s: %v", w.Root, werr)
		case <-timer.C:
			w.ingest(ctx)
		}
	}
}
