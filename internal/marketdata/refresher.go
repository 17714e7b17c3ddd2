package marketdata

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Refresher is the only writer of a SnapshotStore.
type Refresher struct {
	source   Source
	store    *SnapshotStore
	bus      *Bus
	cache    *FileSource
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
	onResult func(ok bool)
}

type RefresherOption func(*Refresher)

// WithCache persists every successful fetch to the file cache.
func WithCache(f *FileSource) RefresherOption {
	return func(r *Refresher) { r.cache = f }
}

func WithBus(b *Bus) RefresherOption {
	return func(r *Refresher) { r.bus = b }
}

// WithResultHook is called after every refresh attempt.
func WithResultHook(fn func(ok bool)) RefresherOption {
	return func(r *Refresher) { r.onResult = fn }
}

func NewRefresher(source Source, store *SnapshotStore, interval time.Duration, log *zap.Logger, opts ...RefresherOption) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Refresher{source: source, store: store, interval: interval, now: time.Now, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh fetches once and swaps the result in. On failure the previous
// snapshots stay in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	snaps, err := r.source.Fetch(ctx)
	if err != nil {
		r.log.Warn("snapshot refresh failed", zap.String("source", r.source.Name()), zap.Error(err))
		r.report(false)
		return err
	}
	at := r.now()
	kept := r.store.Replace(snaps, at)
	r.log.Info("snapshots refreshed", zap.Int("count", kept))
	if r.cache != nil {
		if err := r.cache.Save(r.store.All(), at); err != nil {
			r.log.Warn("snapshot cache write failed", zap.Error(err))
		}
	}
	if r.bus != nil {
		r.bus.Publish(Event{Type: EventSnapshots, Data: r.store.All()})
	}
	r.report(true)
	return nil
}

func (r *Refresher) report(ok bool) {
	if r.onResult != nil {
		r.onResult(ok)
	}
}

// Run refreshes immediately and then every interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	_ = r.Refresh(ctx)
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}
