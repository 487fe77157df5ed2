// Package registry holds the authoritative in-memory view of every live
// session and arbitrates all mutations.
//
// Mutations on one session code are serialized by a per-code lock; distinct
// codes never contend. Durable mutations are staged on a copy, written to the
// session store, and only then committed, so a store failure leaves the
// in-memory state exactly as it was and no reader ever observes an
// unpersisted durable value.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mixmate/remixd/internal/metrics"
	"github.com/mixmate/remixd/internal/session"
	"github.com/mixmate/remixd/internal/store"
)

// Registry maps session codes to live state.
type Registry struct {
	store        store.Store
	logger       zerolog.Logger
	storeTimeout time.Duration
	codeLength   int
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry carries the per-code lock. refs is guarded by Registry.mu and keeps
// an entry alive while operations wait on it, so a code never ends up with
// two competing locks.
type entry struct {
	mu    sync.Mutex
	refs  int
	state *session.State
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeLength sets the generated session code length.
func WithCodeLength(n int) Option {
	return func(r *Registry) { r.codeLength = n }
}

// New creates a Registry backed by the given store. storeTimeout bounds every
// individual store operation.
func New(st store.Store, storeTimeout time.Duration, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:        st,
		logger:       logger,
		storeTimeout: storeTimeout,
		codeLength:   4,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) acquire(code string) *entry {
	r.mu.Lock()
	e, ok := r.entries[code]
	if !ok {
		e = &entry{}
		r.entries[code] = e
	}
	e.refs++
	r.mu.Unlock()
	e.mu.Lock()
	return e
}

func (r *Registry) release(code string, e *entry) {
	e.mu.Unlock()
	r.mu.Lock()
	e.refs--
	if e.refs == 0 && e.state == nil {
		delete(r.entries, code)
	}
	r.mu.Unlock()
}

// hydrate loads the durable fields from the store when the code is not yet
// resident. Ready state and the transport flag start empty: that reset is the
// intended data-loss boundary across restarts. A store miss means the session
// is unknown or expired.
func (r *Registry) hydrate(ctx context.Context, e *entry, code string) (*session.State, error) {
	if e.state != nil {
		return e.state, nil
	}
	rec, err := r.storeGet(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := session.NewState(code, rec.CreatedAt)
	st.Participants = append(st.Participants, rec.Participants...)
	for k, v := range rec.Selections {
		st.Selections[k] = v
	}
	st.Tempo = rec.Tempo
	e.state = st
	return st, nil
}

func (r *Registry) storeGet(ctx context.Context, code string) (*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	rec, err := r.store.Get(ctx, code)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.StoreFailuresTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", session.ErrPersistence, err)
	}
	return rec, err
}

func (r *Registry) storeCreate(ctx context.Context, rec *store.Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	err := r.store.Create(ctx, rec)
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		metrics.StoreFailuresTotal.WithLabelValues("create").Inc()
		return fmt.Errorf("%w: %v", session.ErrPersistence, err)
	}
	return err
}

func (r *Registry) storeUpdate(ctx context.Context, code string, rec *store.Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	err := r.store.Update(ctx, code, rec)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.StoreFailuresTotal.WithLabelValues("update").Inc()
		return fmt.Errorf("%w: %v", session.ErrPersistence, err)
	}
	return err
}

func record(st *session.State) *store.Record {
	rec := &store.Record{
		Code:         st.Code,
		Participants: append([]string(nil), st.Participants...),
		Selections:   make(map[string]session.Stem, len(st.Selections)),
		Tempo:        st.Tempo,
		CreatedAt:    st.CreatedAt,
	}
	for k, v := range st.Selections {
		rec.Selections[k] = v
	}
	return rec
}

func clone(st *session.State) *session.State {
	c := session.NewState(st.Code, st.CreatedAt)
	c.Participants = append(c.Participants, st.Participants...)
	for k, v := range st.Selections {
		c.Selections[k] = v
	}
	c.Tempo = st.Tempo
	for k := range st.Ready {
		c.Ready[k] = struct{}{}
	}
	c.Playing = st.Playing
	return c
}

// Create generates a fresh collision-checked code and creates the session
// with userID as sole participant. The store's duplicate-key rejection closes
// the check-then-create race between concurrent creators.
func (r *Registry) Create(ctx context.Context, userID string) (session.Snapshot, error) {
	if userID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing user id", session.ErrInvalidArgument)
	}
	for {
		code := session.GenerateCode(r.codeLength)
		e := r.acquire(code)
		if e.state != nil {
			// resident session holds this code
			r.release(code, e)
			continue
		}
		st := session.NewState(code, r.now())
		st.Participants = append(st.Participants, userID)
		err := r.storeCreate(ctx, record(st))
		if errors.Is(err, store.ErrAlreadyExists) {
			r.release(code, e)
			continue
		}
		if err != nil {
			r.release(code, e)
			return session.Snapshot{}, err
		}
		e.state = st
		snap := st.Snapshot()
		r.release(code, e)
		r.logger.Info().Str("code", code).Str("user", userID).Msg("session created")
		return snap, nil
	}
}

// CreateOrGet returns the session for code, creating an empty one with
// default tempo if the code is unknown. Idempotent.
func (r *Registry) CreateOrGet(ctx context.Context, code string) (session.Snapshot, error) {
	if code == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st != nil {
		return st.Snapshot(), nil
	}
	st = session.NewState(code, r.now())
	err = r.storeCreate(ctx, record(st))
	if errors.Is(err, store.ErrAlreadyExists) {
		// lost a cross-process race; adopt the stored record
		rec, gerr := r.storeGet(ctx, code)
		if errors.Is(gerr, store.ErrNotFound) {
			return session.Snapshot{}, session.ErrSessionNotFound
		}
		if gerr != nil {
			return session.Snapshot{}, gerr
		}
		st = session.NewState(code, rec.CreatedAt)
		st.Participants = append(st.Participants, rec.Participants...)
		for k, v := range rec.Selections {
			st.Selections[k] = v
		}
		st.Tempo = rec.Tempo
		e.state = st
		return st.Snapshot(), nil
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	e.state = st
	r.logger.Info().Str("code", code).Msg("session created")
	return st.Snapshot(), nil
}

// Join adds userID to the session, creating it first if the code is unknown.
// A duplicate join is a no-op success. Returns the full membership snapshot
// so callers broadcast complete state, not a delta.
func (r *Registry) Join(ctx context.Context, code, userID string) (session.Snapshot, error) {
	if code == "" || userID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code or user id", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		st = session.NewState(code, r.now())
		st.Participants = append(st.Participants, userID)
		err := r.storeCreate(ctx, record(st))
		if errors.Is(err, store.ErrAlreadyExists) {
			// another process created the code between hydrate and create;
			// drop our staged state and admit against the stored record
			rec, gerr := r.storeGet(ctx, code)
			if errors.Is(gerr, store.ErrNotFound) {
				// created and expired in the same instant; give up on this attempt
				return session.Snapshot{}, session.ErrSessionNotFound
			}
			if gerr != nil {
				return session.Snapshot{}, gerr
			}
			st = session.NewState(code, rec.CreatedAt)
			st.Participants = append(st.Participants[:0], rec.Participants...)
			for k, v := range rec.Selections {
				st.Selections[k] = v
			}
			st.Tempo = rec.Tempo
			e.state = st
			return r.admit(ctx, e, st, userID)
		}
		if err != nil {
			return session.Snapshot{}, err
		}
		e.state = st
		r.logger.Info().Str("code", code).Str("user", userID).Msg("session created on first join")
		return st.Snapshot(), nil
	}
	return r.admit(ctx, e, st, userID)
}

// admit appends userID to an existing session under the entry lock.
func (r *Registry) admit(ctx context.Context, e *entry, st *session.State, userID string) (session.Snapshot, error) {
	if st.HasParticipant(userID) {
		return st.Snapshot(), nil
	}
	if len(st.Participants) >= session.MaxParticipants {
		return session.Snapshot{}, session.ErrSessionFull
	}
	staged := clone(st)
	staged.Participants = append(staged.Participants, userID)
	if err := r.commit(ctx, e, staged); err != nil {
		return session.Snapshot{}, err
	}
	r.logger.Info().Str("code", st.Code).Str("user", userID).Msg("user joined")
	return staged.Snapshot(), nil
}

// commit persists the staged durable fields and swaps them in. An expired
// record is resurrected with a fresh TTL rather than losing the mutation;
// any other store failure aborts and the previous state stays visible.
func (r *Registry) commit(ctx context.Context, e *entry, staged *session.State) error {
	err := r.storeUpdate(ctx, staged.Code, record(staged))
	if errors.Is(err, store.ErrNotFound) {
		err = r.storeCreate(ctx, record(staged))
		if errors.Is(err, store.ErrAlreadyExists) {
			err = r.storeUpdate(ctx, staged.Code, record(staged))
		}
	}
	if err != nil {
		return err
	}
	e.state = staged
	return nil
}

// Leave removes userID from membership and the ready set. Unknown members
// are a no-op. The session outlives its last participant and simply awaits
// expiry or a future joiner.
func (r *Registry) Leave(ctx context.Context, code, userID string) (session.Snapshot, error) {
	if code == "" || userID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code or user id", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	if !st.HasParticipant(userID) {
		return st.Snapshot(), nil
	}
	staged := clone(st)
	kept := staged.Participants[:0]
	for _, p := range staged.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	staged.Participants = kept
	delete(staged.Ready, userID)
	if err := r.commit(ctx, e, staged); err != nil {
		return session.Snapshot{}, err
	}
	r.logger.Info().Str("code", code).Str("user", userID).Msg("user left")
	return staged.Snapshot(), nil
}

// SelectStem upserts the user's stem selection, overwriting any prior choice.
// Membership is not required (selection may land before membership
// bookkeeping settles), but the session must exist.
func (r *Registry) SelectStem(ctx context.Context, code, userID string, stem session.Stem) (session.Snapshot, error) {
	if code == "" || userID == "" || stem.ID == "" || stem.Type == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing stem selection fields", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	staged := clone(st)
	staged.Selections[userID] = stem
	if err := r.commit(ctx, e, staged); err != nil {
		return session.Snapshot{}, err
	}
	r.logger.Debug().Str("code", code).Str("user", userID).Str("stem", stem.ID).Msg("stem selected")
	return staged.Snapshot(), nil
}

// SetReady marks a participant ready. Ready state is ephemeral: no store
// write, and a restart clears it.
func (r *Registry) SetReady(ctx context.Context, code, userID string) (session.Snapshot, error) {
	if code == "" || userID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code or user id", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	if !st.HasParticipant(userID) {
		return session.Snapshot{}, fmt.Errorf("%w: user %s is not a participant", session.ErrInvalidArgument, userID)
	}
	st.Ready[userID] = struct{}{}
	return st.Snapshot(), nil
}

// SetPlayback flips the ephemeral transport flag. No store write.
func (r *Registry) SetPlayback(ctx context.Context, code string, playing bool) (session.Snapshot, error) {
	if code == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	st.Playing = playing
	return st.Snapshot(), nil
}

// SetTempo sets the session tempo. The tempo is durable and must be a
// positive beats-per-minute value.
func (r *Registry) SetTempo(ctx context.Context, code string, bpm int) (session.Snapshot, error) {
	if code == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code", session.ErrInvalidArgument)
	}
	if bpm <= 0 {
		return session.Snapshot{}, fmt.Errorf("%w: bpm must be positive, got %d", session.ErrInvalidArgument, bpm)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	staged := clone(st)
	staged.Tempo = bpm
	if err := r.commit(ctx, e, staged); err != nil {
		return session.Snapshot{}, err
	}
	r.logger.Debug().Str("code", code).Int("bpm", bpm).Msg("tempo changed")
	return staged.Snapshot(), nil
}

// Get returns a snapshot of the session, hydrating from the store if needed.
func (r *Registry) Get(ctx context.Context, code string) (session.Snapshot, error) {
	if code == "" {
		return session.Snapshot{}, fmt.Errorf("%w: missing session code", session.ErrInvalidArgument)
	}
	e := r.acquire(code)
	defer r.release(code, e)

	st, err := r.hydrate(ctx, e, code)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st == nil {
		return session.Snapshot{}, session.ErrSessionNotFound
	}
	return st.Snapshot(), nil
}
