// Package stream keeps the live SDK connections for each environment and
// pushes feature updates to them.
//
// Environments are tracked in a bounded LRU. Evicting an environment closes
// every connection still registered under it, so the capacity is a safety
// valve and should comfortably exceed the number of streamed environments.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/workpool"
)

const (
	DefaultMaximumEnvironments = 5000
	DefaultPoolSize            = 10

	reasonUnavailable = "unable to communicate with named cache."
	reasonUnknownKey  = "unknown API key."
)

// Requester is satisfied by service.Orchestrator.
type Requester interface {
	Request(ctx context.Context, keys []core.Key, evalCtx core.EvaluationContext, tags etag.Holder) ([]service.Response, error)
}

type connectionSet struct {
	mu      sync.Mutex
	members map[uuid.UUID]connectionHolder
	evicted bool
}

func newConnectionSet() *connectionSet {
	return &connectionSet{members: map[uuid.UUID]connectionHolder{}}
}

// add reports false if the set was evicted concurrently; the caller must
// fetch a fresh set.
func (s *connectionSet) add(holder connectionHolder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.members[holder.conn.ID()] = holder
	return true
}

func (s *connectionSet) remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	return true
}

func (s *connectionSet) snapshot() []connectionHolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	holders := make([]connectionHolder, 0, len(s.members))
	for _, holder := range s.members {
		holders = append(holders, holder)
	}
	return holders
}

func (s *connectionSet) evict() []connectionHolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = true
	holders := make([]connectionHolder, 0, len(s.members))
	for _, holder := range s.members {
		holders = append(holders, holder)
	}
	s.members = map[uuid.UUID]connectionHolder{}
	return holders
}

func (s *connectionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Fanout routes feature updates to the connections of their environment.
type Fanout struct {
	requester Requester
	envs      *lru.Cache
	listen    *workpool.Pool
	update    *workpool.Pool
	logger    *slog.Logger
	hooks     Hooks

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
}

// Hooks receive occupancy changes. Unset hooks are no-ops.
type Hooks struct {
	EnvironmentAdded   func()
	EnvironmentRemoved func()
	ConnectionAdded    func()
	ConnectionRemoved  func()
	EnvironmentEvicted func(withConnections bool)
}

type Option func(*options)

type options struct {
	logger              *slog.Logger
	maximumEnvironments int
	listenPoolSize      int
	updatePoolSize      int
	hooks               Hooks
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMaximumEnvironments(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maximumEnvironments = n
		}
	}
}

func WithPoolSizes(listen, update int) Option {
	return func(o *options) {
		if listen > 0 {
			o.listenPoolSize = listen
		}
		if update > 0 {
			o.updatePoolSize = update
		}
	}
}

func WithHooks(hooks Hooks) Option {
	return func(o *options) {
		o.hooks = hooks
	}
}

func New(requester Requester, opts ...Option) (*Fanout, error) {
	if requester == nil {
		return nil, errors.New("requester is nil")
	}

	o := options{
		logger:              slog.Default(),
		maximumEnvironments: DefaultMaximumEnvironments,
		listenPoolSize:      DefaultPoolSize,
		updatePoolSize:      DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fanout{
		requester: requester,
		listen:    workpool.New("listen", o.listenPoolSize, workpool.WithLogger(o.logger)),
		update:    workpool.New("update", o.updatePoolSize, workpool.WithLogger(o.logger)),
		logger:    o.logger,
		hooks:     o.hooks.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
	}

	envs, err := lru.NewWithEvict(o.maximumEnvironments, f.onEvict)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create environment cache: %w", err)
	}
	f.envs = envs

	return f, nil
}

func (h Hooks) withDefaults() Hooks {
	noop := func() {}
	if h.EnvironmentAdded == nil {
		h.EnvironmentAdded = noop
	}
	if h.EnvironmentRemoved == nil {
		h.EnvironmentRemoved = noop
	}
	if h.ConnectionAdded == nil {
		h.ConnectionAdded = noop
	}
	if h.ConnectionRemoved == nil {
		h.ConnectionRemoved = noop
	}
	if h.EnvironmentEvicted == nil {
		h.EnvironmentEvicted = func(bool) {}
	}
	return h
}

// RequestFeatures fetches the initial snapshot for conn on the listen pool
// and registers it for updates once the snapshot succeeds.
func (f *Fanout) RequestFeatures(conn Connection) {
	if err := f.listen.Submit(func() { f.requestFeatures(conn) }); err != nil {
		conn.Failed(reasonUnavailable)
	}
}

func (f *Fanout) requestFeatures(conn Connection) {
	keys := []core.Key{conn.Key()}
	responses, err := f.requester.Request(f.ctx, keys, conn.EvaluationContext(), conn.CachedETags())
	if err != nil || len(responses) == 0 {
		f.logger.Warn("initial feature request failed", "key", conn.Key().String(), "error", err)
		conn.Failed(reasonUnavailable)
		return
	}

	response := responses[0]
	if response.Outcome == service.OutcomeFailed {
		reason := reasonUnavailable
		if errors.Is(response.Err, service.ErrKeyNotFound) {
			reason = reasonUnknownKey
		}
		conn.Failed(reason)
		return
	}

	f.register(conn)
	conn.InitialResponse(response)
}

func (f *Fanout) register(conn Connection) {
	env := conn.Key().EnvironmentID
	holder := connectionHolder{conn: conn}
	holder.ejection = conn.RegisterEjection(f.ClientRemoved)

	for {
		set := f.environment(env)
		if set.add(holder) {
			f.hooks.ConnectionAdded()
			return
		}
	}
}

func (f *Fanout) environment(env uuid.UUID) *connectionSet {
	if value, ok := f.envs.Get(env); ok {
		return value.(*connectionSet)
	}

	fresh := newConnectionSet()
	previous, found, _ := f.envs.PeekOrAdd(env, fresh)
	if found {
		return previous.(*connectionSet)
	}
	f.hooks.EnvironmentAdded()
	return fresh
}

// UpdateFeatures pushes update to every connection of its environment, one
// task per connection on the update pool. Updates for environments with no
// connections are dropped. A failed push is logged and the connection stays
// registered until its transport ejects it.
func (f *Fanout) UpdateFeatures(update core.FeatureUpdate) {
	if len(update.Changes) == 0 {
		return
	}

	value, ok := f.envs.Get(update.EnvironmentID)
	if !ok {
		return
	}

	for _, holder := range value.(*connectionSet).snapshot() {
		conn := holder.conn
		if err := f.update.Submit(func() {
			if err := conn.NotifyFeature(update); err != nil {
				f.logger.Warn("feature push failed",
					"connection_id", conn.ID().String(),
					"environment_id", update.EnvironmentID.String(),
					"error", err,
				)
			}
		}); err != nil {
			return
		}
	}
}

// ClientRemoved drops conn from its environment. It is safe to call more
// than once for the same connection.
func (f *Fanout) ClientRemoved(conn Connection) {
	_ = f.listen.Submit(func() { f.removeConnection(conn) })
}

func (f *Fanout) removeConnection(conn Connection) {
	value, ok := f.envs.Peek(conn.Key().EnvironmentID)
	if !ok {
		return
	}
	if value.(*connectionSet).remove(conn.ID()) {
		f.hooks.ConnectionRemoved()
	}
}

func (f *Fanout) onEvict(key, value any) {
	set := value.(*connectionSet)
	holders := set.evict()
	f.hooks.EnvironmentRemoved()

	if f.shuttingDown.Load() {
		f.closeAll(holders)
		return
	}

	f.hooks.EnvironmentEvicted(len(holders) > 0)
	if len(holders) == 0 {
		return
	}

	f.logger.Error("environment evicted with active connections",
		"environment_id", fmt.Sprint(key),
		"connections", len(holders),
	)
	f.closeAll(holders)
}

func (f *Fanout) closeAll(holders []connectionHolder) {
	for _, holder := range holders {
		holder.conn.DeregisterEjection(holder.ejection)
		holder.conn.Close(true)
		f.hooks.ConnectionRemoved()
	}
}

// Stats is a point-in-time view of fan-out occupancy.
type Stats struct {
	Environments int `json:"environments"`
	Connections  int `json:"connections"`
}

func (f *Fanout) Stats() Stats {
	stats := Stats{}
	for _, key := range f.envs.Keys() {
		value, ok := f.envs.Peek(key)
		if !ok {
			continue
		}
		stats.Environments++
		stats.Connections += value.(*connectionSet).size()
	}
	return stats
}

// Shutdown closes every connection and waits for outstanding work.
func (f *Fanout) Shutdown() {
	f.shuttingDown.Store(true)
	f.cancel()
	f.envs.Purge()
	f.listen.Stop()
	f.update.Stop()
}
