package proxypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyscan-io/storyscan/errors"
)

// Pool owns every proxy record. All mutation is serialized under the pool
// mutex so concurrent per-profile tasks cannot lose counter updates or
// corrupt the health ring buffer.
type Pool struct {
	mu      sync.Mutex
	proxies map[string]*Proxy
	store   *Store
	dirty   map[string]bool // proxies whose last persistence write failed
	logger  *zap.SugaredLogger
}

// NewPool creates a pool backed by the given store. Pass a nil store for a
// purely in-memory pool (tests).
func NewPool(store *Store, logger *zap.SugaredLogger) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{
		proxies: make(map[string]*Proxy),
		store:   store,
		dirty:   make(map[string]bool),
		logger:  logger.Named("proxypool"),
	}
}

// LoadFromStore hydrates the pool from persistence at startup.
func (pl *Pool) LoadFromStore() error {
	if pl.store == nil {
		return nil
	}

	proxies, err := pl.store.ListProxies()
	if err != nil {
		return errors.Wrap(err, "failed to load proxies")
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, p := range proxies {
		pl.proxies[p.ID] = p
	}
	pl.logger.Infow("Proxy pool loaded", "count", len(proxies))
	return nil
}

// Add validates and inserts a single proxy. host:port must be unique.
func (pl *Pool) Add(host string, port int, username, password string) (*Proxy, error) {
	proxy, err := NewProxy(host, port, username, password)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if err := pl.checkDuplicateLocked(host, port); err != nil {
		return nil, err
	}

	pl.proxies[proxy.ID] = proxy
	if err := pl.persistLocked(proxy, true); err != nil {
		return proxy.clone(), err
	}
	return proxy.clone(), nil
}

// AddEntry is one input of AddMany.
type AddEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AddResult is the per-entry outcome of AddMany.
type AddResult struct {
	Index   int    `json:"index"`
	ProxyID string `json:"proxy_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AddMany inserts proxies with partial success: violating entries are
// rejected individually, not all-or-nothing.
func (pl *Pool) AddMany(entries []AddEntry) []AddResult {
	results := make([]AddResult, 0, len(entries))
	for i, e := range entries {
		proxy, err := pl.Add(e.Host, e.Port, e.Username, e.Password)
		if err != nil {
			results = append(results, AddResult{Index: i, Error: err.Error()})
			continue
		}
		results = append(results, AddResult{Index: i, ProxyID: proxy.ID})
	}
	return results
}

// Remove deletes proxies by id; their sessions are discarded with them.
// Unknown ids are ignored.
func (pl *Pool) Remove(ids []string) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if _, ok := pl.proxies[id]; !ok {
			continue
		}
		delete(pl.proxies, id)
		delete(pl.dirty, id)
		if pl.store != nil {
			if err := pl.store.DeleteProxy(id); err != nil && firstErr == nil {
				firstErr = errors.Wrap(errors.ErrInfrastructure, err.Error())
			}
		}
	}
	return firstErr
}

// Get returns a copy of a proxy record.
func (pl *Pool) Get(id string) (*Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[id]
	if !ok {
		return nil, errors.NewNotFoundError("proxy not found: %s", id)
	}
	return p.clone(), nil
}

// List returns copies of all proxy records.
func (pl *Pool) List() []*Proxy {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]*Proxy, 0, len(pl.proxies))
	for _, p := range pl.proxies {
		out = append(out, p.clone())
	}
	return out
}

// Select returns credentials for the best eligible proxy: highest success
// rate, ties broken by lowest average latency. Eligible means healthy or
// degraded with at least one active session. Returns ErrNoProxyAvailable
// when none qualify - terminal for the current check, never silently
// retried against the same unhealthy proxy.
func (pl *Pool) Select() (Credentials, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var best *Proxy
	for _, p := range pl.proxies {
		if !p.eligible() {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if p.Metrics.SuccessRate > best.Metrics.SuccessRate {
			best = p
		} else if p.Metrics.SuccessRate == best.Metrics.SuccessRate &&
			p.Metrics.AvgLatencyMs < best.Metrics.AvgLatencyMs {
			best = p
		}
	}

	if best == nil {
		return Credentials{}, errors.Wrap(errors.ErrNoProxyAvailable, "no eligible proxy in pool")
	}

	return Credentials{
		ProxyID:  best.ID,
		Host:     best.Host,
		Port:     best.Port,
		Username: best.Username,
		Password: best.Password,
	}, nil
}

// RecordHealth overwrites a proxy's current health, pushing the previous
// snapshot onto the bounded history ring.
func (pl *Pool) RecordHealth(proxyID string, h Health) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[proxyID]
	if !ok {
		return errors.NewNotFoundError("proxy not found: %s", proxyID)
	}

	p.recordHealth(h)
	return pl.persistLocked(p, false)
}

// RecordUsage folds one check outcome into a proxy's performance metrics.
func (pl *Pool) RecordUsage(proxyID string, success bool, latencyMs int64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[proxyID]
	if !ok {
		return errors.NewNotFoundError("proxy not found: %s", proxyID)
	}

	p.recordUsage(success, latencyMs)
	return pl.persistLocked(p, false)
}

// AddSession attaches a new session to a proxy and returns its id.
func (pl *Pool) AddSession(proxyID, token string) (string, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[proxyID]
	if !ok {
		return "", errors.NewNotFoundError("proxy not found: %s", proxyID)
	}

	session := Session{
		ID:     uuid.NewString(),
		Token:  token,
		Status: SessionActive,
	}
	p.Sessions = append(p.Sessions, session)
	p.UpdatedAt = time.Now()
	return session.ID, pl.persistLocked(p, false)
}

// UpdateSession toggles a session's status or replaces its token.
// Empty token leaves the token unchanged.
func (pl *Pool) UpdateSession(proxyID, sessionID string, status SessionStatus, token string) error {
	if status != SessionActive && status != SessionDisabled {
		return errors.NewValidationError("invalid session status: %s", status)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[proxyID]
	if !ok {
		return errors.NewNotFoundError("proxy not found: %s", proxyID)
	}

	for i := range p.Sessions {
		if p.Sessions[i].ID == sessionID {
			p.Sessions[i].Status = status
			if token != "" {
				p.Sessions[i].Token = token
			}
			p.UpdatedAt = time.Now()
			return pl.persistLocked(p, false)
		}
	}
	return errors.NewNotFoundError("session not found: %s", sessionID)
}

// RemoveSession detaches a session from a proxy.
func (pl *Pool) RemoveSession(proxyID, sessionID string) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.proxies[proxyID]
	if !ok {
		return errors.NewNotFoundError("proxy not found: %s", proxyID)
	}

	for i := range p.Sessions {
		if p.Sessions[i].ID == sessionID {
			p.Sessions = append(p.Sessions[:i], p.Sessions[i+1:]...)
			p.UpdatedAt = time.Now()
			return pl.persistLocked(p, false)
		}
	}
	return errors.NewNotFoundError("session not found: %s", sessionID)
}

// checkDuplicateLocked enforces (host, port) uniqueness.
// REQUIRES: pl.mu held.
func (pl *Pool) checkDuplicateLocked(host string, port int) error {
	for _, existing := range pl.proxies {
		if existing.Host == host && existing.Port == port {
			err := errors.NewValidationError("duplicate proxy %s:%d", host, port)
			return errors.WithDetail(err, fmt.Sprintf("Existing proxy ID: %s", existing.ID))
		}
	}
	return nil
}

// persistLocked writes a proxy through the store. In-memory state stays
// authoritative: on write failure the proxy is marked dirty and re-saved on
// the next successful mutation, and the caller gets an infrastructure error.
// REQUIRES: pl.mu held.
func (pl *Pool) persistLocked(p *Proxy, create bool) error {
	if pl.store == nil {
		return nil
	}

	var err error
	if create {
		err = pl.store.CreateProxy(p)
	} else {
		err = pl.store.UpdateProxy(p)
	}
	if err != nil {
		pl.dirty[p.ID] = true
		pl.logger.Warnw("Proxy persistence failed, marked dirty",
			"proxy_id", p.ID,
			"error", err)
		return errors.Wrap(errors.ErrInfrastructure, err.Error())
	}

	delete(pl.dirty, p.ID)
	pl.flushDirtyLocked()
	return nil
}

// flushDirtyLocked retries persistence for previously failed writes.
// REQUIRES: pl.mu held.
func (pl *Pool) flushDirtyLocked() {
	for id := range pl.dirty {
		p, ok := pl.proxies[id]
		if !ok {
			delete(pl.dirty, id)
			continue
		}
		if err := pl.store.UpdateProxy(p); err == nil {
			delete(pl.dirty, id)
		}
	}
}
