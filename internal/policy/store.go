package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/obs"
)

// Persister durably stores policy edits. SavePolicy must apply all changes
// atomically together with the new version, or none of them.
type Persister interface {
	LoadPolicy(ctx context.Context) (State, error)
	SavePolicy(ctx context.Context, version int64, changes Changes) error
}

// Store owns the process-wide policy. Reads are a single atomic load;
// writes are serialized and publish a new snapshot on success.
type Store struct {
	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	persister Persister
	now       func() time.Time
	log       logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes every Update write through p before it is published.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the time source stamped on edited objects.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore returns a store holding an empty version-0 snapshot.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now, log: obs.Component("policy")}
	for _, opt := range opts {
		opt(s)
	}
	snap := emptySnapshot()
	snap.builtAt = s.now().UTC()
	s.current.Store(snap)
	return s
}

// Open builds a store from the state held by the configured persister.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := NewStore(opts...)
	if s.persister == nil {
		return s, nil
	}
	st, err := s.persister.LoadPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	snap, err := Build(st, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("build policy snapshot: %w", err)
	}
	s.publish(snap)
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Update runs fn against a private copy of the current snapshot. If fn
// succeeds and the result validates, the changes are persisted, the version
// is incremented and the new snapshot is published. On any error nothing
// changes. An fn that makes no changes returns the current snapshot.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (*Snapshot, Changes, error) {
	return s.update(ctx, false, fn)
}

func (s *Store) update(ctx context.Context, seeding bool, fn func(*Tx) error) (*Snapshot, Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.current.Load()
	tx := &Tx{snap: base.clone(), now: s.now().UTC(), seeding: seeding}
	if err := fn(tx); err != nil {
		return nil, Changes{}, err
	}
	changes := tx.changes.compact()
	if changes.Empty() {
		return base, changes, nil
	}
	next := tx.snap
	if err := next.validate(); err != nil {
		return nil, Changes{}, err
	}
	next.version = base.version + 1
	next.builtAt = tx.now
	next.index()

	if s.persister != nil {
		if err := ctx.Err(); err != nil {
			return nil, Changes{}, err
		}
		if err := s.persister.SavePolicy(ctx, next.version, changes); err != nil {
			return nil, Changes{}, fmt.Errorf("persist policy v%d: %w", next.version, err)
		}
	}
	s.publish(next)
	s.log.WithFields(logrus.Fields{
		"version":     next.version,
		"roles":       len(changes.Roles),
		"rules":       len(changes.Rules),
		"assignments": len(changes.Assignments),
	}).Info("policy snapshot published")
	return next, changes, nil
}

func (s *Store) publish(snap *Snapshot) {
	s.current.Store(snap)
	obs.PolicyVersion.Set(float64(snap.version))
}

// compact keeps only the last write per object, preserving first-seen order.
func (c Changes) compact() Changes {
	var out Changes
	out.Permissions = lastByKey(c.Permissions, func(p Permission) string { return p.Code })
	out.Roles = lastByKey(c.Roles, func(r Role) string { return r.ID })
	out.Rules = lastByKey(c.Rules, func(r Rule) string { return r.ID })
	out.Assignments = lastByKey(c.Assignments, func(a Assignment) string { return a.UserID })
	deleted := NewSet(c.DeletedRoles...)
	out.DeletedRoles = deleted.Sorted()
	if len(deleted) > 0 {
		kept := out.Roles[:0]
		for _, r := range out.Roles {
			if !deleted.Has(r.ID) {
				kept = append(kept, r)
			}
		}
		out.Roles = kept
	}
	return out
}

func lastByKey[T any](items []T, key func(T) string) []T {
	if len(items) == 0 {
		return nil
	}
	pos := make(map[string]int, len(items))
	var out []T
	for _, it := range items {
		k := key(it)
		if i, ok := pos[k]; ok {
			out[i] = it
			continue
		}
		pos[k] = len(out)
		out = append(out, it)
	}
	return out
}
