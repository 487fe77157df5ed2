// Package storetest provides an in-memory session store for tests, with
// failure injection for exercising rollback paths.
package storetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mixmate/remixd/internal/store"
)

// Memory is an in-memory store.Store. The zero value is not usable; call New.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte

	// FailNext, when set, makes the next mutating call return the given
	// error and clears itself.
	failNext error
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

// FailNext arms a one-shot failure for the next Create or Update call.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Expire drops a record as a TTL sweep would.
func (m *Memory) Expire(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, code)
}

// Len reports how many records are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Memory) Get(_ context.Context, code string) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Memory) Create(_ context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.records[rec.Code]; ok {
		return store.ErrAlreadyExists
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.records[rec.Code] = data
	return nil
}

func (m *Memory) Update(_ context.Context, code string, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.records[code]; !ok {
		return store.ErrNotFound
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.records[code] = data
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) takeFailure() error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return nil
}
