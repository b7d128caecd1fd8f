package logstore

import (
	"errors"
	"sort"
	"sync"

	"pricebook/internal/book"
	"pricebook/internal/domain"
)

// Registry owns the open writers of a process, one per instrument.
type Registry struct {
	layout Layout
	book   book.Config

	mu      sync.Mutex
	writers map[string]*Writer
	subs    []domain.EntrySubscriber
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(layout Layout, cfg book.Config) *Registry {
	return &Registry{
		layout:  layout,
		book:    cfg,
		writers: make(map[string]*Writer),
	}
}

// Layout returns the storage layout shared by all writers.
func (r *Registry) Layout() Layout {
	return r.layout
}

// Writer returns the writer of instrument, opening it on first use.
func (r *Registry) Writer(instrument string) (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrClosed
	}
	if w, ok := r.writers[instrument]; ok {
		return w, nil
	}
	w, err := OpenWriter(r.layout, instrument, r.book)
	if err != nil {
		return nil, err
	}
	for _, fn := range r.subs {
		w.Subscribe(fn)
	}
	r.writers[instrument] = w
	return w, nil
}

// Subscribe registers fn on every current and future writer.
func (r *Registry) Subscribe(fn domain.EntrySubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
	for _, w := range r.writers {
		w.Subscribe(fn)
	}
}

// Instruments returns the instruments with an open writer, sorted.
func (r *Registry) Instruments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.writers))
	for name := range r.writers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes all writers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var errs []error
	for name, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.writers, name)
	}
	return errors.Join(errs...)
}
