// Package keypool manages pools of upstream provider API keys: selection
// strategies, runtime statistics, failure backoff, and rotation.
package keypool

import (
	"fmt"
	"slices"
	"sync"
	"time"

	porter "github.com/akarpov/porter/internal"
)

// Rotation thresholds. A key matching any of these is flagged for rotation.
const (
	rotationConsecutiveErrors = 3
	rotationErrorRate         = 0.20
	rotationRequestBudget     = 10000
	rotationMaxAge            = 7 * 24 * time.Hour
)

// Backoff bounds for rate-limited and failing keys.
const (
	backoffBase     = 60 * time.Second
	backoffMax      = 3600 * time.Second
	serverErrorHold = 30 * time.Second
)

const maxLastErrorLen = 255

// Outcome describes the result of one upstream call made with a key.
type Outcome struct {
	Success    bool
	StatusCode int
	Usage      *porter.Usage
	Model      string
	Latency    time.Duration
	Err        string
}

// entry wraps a key with its own lock so stat mutations are serialized per
// key without holding the pool lock.
type entry struct {
	mu  sync.Mutex
	key porter.ProviderKey
}

// Pool is the in-memory authoritative view of all provider keys.
// It is safe for concurrent use.
type Pool struct {
	mu         sync.RWMutex
	keys       map[int64]*entry
	byProvider map[string][]*entry

	strategy  Strategy
	overrides map[string]Strategy
	pricing   *Pricing
	now       func() time.Time
}

// New creates an empty pool using the given default selection strategy and
// pricing table.
func New(strategy Strategy, pricing *Pricing) *Pool {
	return &Pool{
		keys:       make(map[int64]*entry),
		byProvider: make(map[string][]*entry),
		strategy:   strategy,
		overrides:  make(map[string]Strategy),
		pricing:    pricing,
		now:        time.Now,
	}
}

// BindStrategy binds a selection strategy to one provider, overriding the
// pool default for that provider's keys.
func (p *Pool) BindStrategy(provider string, s Strategy) {
	p.mu.Lock()
	p.overrides[provider] = s
	p.mu.Unlock()
}

func (p *Pool) strategyFor(provider string) Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.overrides[provider]; ok {
		return s
	}
	return p.strategy
}

// Load replaces the pool contents with the given keys.
func (p *Pool) Load(keys []porter.ProviderKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[int64]*entry, len(keys))
	p.byProvider = make(map[string][]*entry)
	for _, k := range keys {
		e := &entry{key: k}
		p.keys[k.ID] = e
		p.byProvider[k.Provider] = append(p.byProvider[k.Provider], e)
	}
	for _, list := range p.byProvider {
		sortByID(list)
	}
}

// Add inserts one key into the pool.
func (p *Pool) Add(k porter.ProviderKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &entry{key: k}
	p.keys[k.ID] = e
	p.byProvider[k.Provider] = append(p.byProvider[k.Provider], e)
	sortByID(p.byProvider[k.Provider])
}

func sortByID(list []*entry) {
	slices.SortFunc(list, func(a, b *entry) int {
		return int(a.key.ID - b.key.ID)
	})
}

// HasAvailable reports whether the provider has at least one usable key.
func (p *Pool) HasAvailable(provider string) bool {
	now := p.now()
	for _, e := range p.provider(provider) {
		e.mu.Lock()
		ok := e.available(now)
		e.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// available reports usability and clears an expired rate-limit hold as a side
// effect. Caller holds e.mu.
func (e *entry) available(now time.Time) bool {
	if e.key.RateLimitedUntil != nil && !now.Before(*e.key.RateLimitedUntil) {
		e.key.RateLimitedUntil = nil
	}
	return e.key.Available(now)
}

// Select picks a key for the request using the provider's bound strategy
// (or the pool default) and returns a copy including secret material.
func (p *Pool) Select(rc porter.RequestContext) (porter.ProviderKey, error) {
	now := p.now()
	var candidates []porter.ProviderKey
	for _, e := range p.provider(rc.Provider) {
		e.mu.Lock()
		if e.available(now) {
			candidates = append(candidates, e.key)
		}
		e.mu.Unlock()
	}
	if len(candidates) == 0 {
		return porter.ProviderKey{}, fmt.Errorf("provider %s: %w", rc.Provider, porter.ErrNoAvailableKey)
	}
	// Candidates arrive sorted by ID, so strategies that rank with stable
	// sorts break ties toward the lowest ID.
	return p.strategyFor(rc.Provider).Select(candidates, rc), nil
}

func (p *Pool) provider(name string) []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byProvider[name]
}

func (p *Pool) entry(id int64) (*entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.keys[id]
	return e, ok
}

// Observe records the outcome of one call made with the key.
func (p *Pool) Observe(id int64, o Outcome) {
	e, ok := p.entry(id)
	if !ok {
		return
	}
	now := p.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	k := &e.key

	k.RequestsCount++
	k.LastUsedAt = &now

	if o.Success {
		k.SuccessCount++
		k.ConsecutiveErrors = 0
		if o.Usage != nil {
			k.TotalTokens += int64(o.Usage.TotalTokens)
			k.InputTokens += int64(o.Usage.PromptTokens)
			k.OutputTokens += int64(o.Usage.CompletionTokens)
			k.TotalCost += p.pricing.Cost(k.Provider, o.Model, o.Usage)
		}
		if sec := o.Latency.Seconds(); sec > 0 {
			if k.AvgLatency == 0 {
				k.AvgLatency = sec
			} else {
				k.AvgLatency = 0.9*k.AvgLatency + 0.1*sec
			}
		}
		return
	}

	k.ConsecutiveErrors++
	k.LastError = truncate(o.Err, maxLastErrorLen)

	switch {
	case o.StatusCode == 429:
		shift := k.ConsecutiveErrors - 1
		if shift > 6 {
			shift = 6 // 60s << 6 already exceeds the cap
		}
		hold := min(backoffBase<<shift, backoffMax)
		until := now.Add(hold)
		k.RateLimitedUntil = &until
	case o.StatusCode == 401 || o.StatusCode == 403:
		k.Enabled = false
	case o.StatusCode >= 500:
		until := now.Add(serverErrorHold)
		k.RateLimitedUntil = &until
	}

	if k.Enabled && !k.FlaggedForRotation && NeedsRotation(k, now) {
		k.FlaggedForRotation = true
	}
}

// Rotate replaces oldID with newID: the old key is disabled and unflagged,
// the new key starts a fresh rotation window and inherits the latency
// estimate so the EMA does not restart from zero. Both keys must belong to
// the same provider and the new key must be enabled.
func (p *Pool) Rotate(oldID, newID int64) error {
	oldE, ok := p.entry(oldID)
	if !ok {
		return fmt.Errorf("key %d: %w", oldID, porter.ErrNotFound)
	}
	newE, ok := p.entry(newID)
	if !ok {
		return fmt.Errorf("key %d: %w", newID, porter.ErrNotFound)
	}
	now := p.now()

	// Lock ordering by ID avoids deadlock between concurrent rotations.
	first, second := oldE, newE
	if newID < oldID {
		first, second = newE, oldE
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if oldE.key.Provider != newE.key.Provider {
		return fmt.Errorf("keys %d and %d belong to different providers: %w",
			oldID, newID, porter.ErrValidation)
	}
	if !newE.key.Enabled {
		return fmt.Errorf("replacement key %d is disabled: %w", newID, porter.ErrValidation)
	}

	oldE.key.Enabled = false
	oldE.key.FlaggedForRotation = false

	newE.key.LastRotation = &now
	newE.key.RequestsAtLastRotation = 0
	newE.key.AvgLatency = oldE.key.AvgLatency
	return nil
}

// NeedsRotation reports whether a key matches the rotation predicate. The
// budget and age clauses measure the current rotation window, so they only
// apply once a key has a rotation on record.
func NeedsRotation(k *porter.ProviderKey, now time.Time) bool {
	if k.ConsecutiveErrors >= rotationConsecutiveErrors {
		return true
	}
	if k.RequestsCount > 0 && 1-k.SuccessRate() > rotationErrorRate {
		return true
	}
	if k.LastRotation == nil {
		return false
	}
	if k.RequestsCount-k.RequestsAtLastRotation > rotationRequestBudget {
		return true
	}
	return now.Sub(*k.LastRotation) > rotationMaxAge
}

// FlagRotations marks enabled keys matching the rotation predicate and
// returns copies of the newly flagged ones.
func (p *Pool) FlagRotations() []porter.ProviderKey {
	now := p.now()
	var flagged []porter.ProviderKey
	for _, e := range p.all() {
		e.mu.Lock()
		if e.key.Enabled && !e.key.FlaggedForRotation && NeedsRotation(&e.key, now) {
			e.key.FlaggedForRotation = true
			flagged = append(flagged, e.key)
		}
		e.mu.Unlock()
	}
	return flagged
}

// RotationOutcome reports one flagged key's fate during an automatic sweep.
type RotationOutcome struct {
	OldID    int64
	NewID    int64
	Provider string
	Rotated  bool
	Reason   string
}

// SweepRotations pairs every enabled flagged key with an enabled non-flagged
// key of the same provider, round-robin over the replacements, and rotates
// each pair. Providers with no replacement leave their flagged keys untouched
// and report the reason.
func (p *Pool) SweepRotations() []RotationOutcome {
	flagged := make(map[string][]porter.ProviderKey)
	replacements := make(map[string][]porter.ProviderKey)
	for _, k := range p.Snapshot() {
		switch {
		case k.Enabled && k.FlaggedForRotation:
			flagged[k.Provider] = append(flagged[k.Provider], k)
		case k.Enabled:
			replacements[k.Provider] = append(replacements[k.Provider], k)
		}
	}

	providers := make([]string, 0, len(flagged))
	for name := range flagged {
		providers = append(providers, name)
	}
	slices.Sort(providers)

	var out []RotationOutcome
	for _, name := range providers {
		repl := replacements[name]
		for i, old := range flagged[name] {
			o := RotationOutcome{OldID: old.ID, Provider: name}
			if len(repl) == 0 {
				o.Reason = "no replacement available"
				out = append(out, o)
				continue
			}
			next := repl[i%len(repl)]
			if err := p.Rotate(old.ID, next.ID); err != nil {
				o.Reason = err.Error()
			} else {
				o.Rotated = true
				o.NewID = next.ID
			}
			out = append(out, o)
		}
	}
	return out
}

// AvailableByProvider counts usable keys per provider. Providers whose keys
// are all held or disabled report zero.
func (p *Pool) AvailableByProvider() map[string]int {
	p.mu.RLock()
	providers := make([]string, 0, len(p.byProvider))
	for name := range p.byProvider {
		providers = append(providers, name)
	}
	p.mu.RUnlock()

	now := p.now()
	counts := make(map[string]int, len(providers))
	for _, name := range providers {
		counts[name] = 0
		for _, e := range p.provider(name) {
			e.mu.Lock()
			if e.available(now) {
				counts[name]++
			}
			e.mu.Unlock()
		}
	}
	return counts
}

// Get returns a copy of the key with the given ID.
func (p *Pool) Get(id int64) (porter.ProviderKey, bool) {
	e, ok := p.entry(id)
	if !ok {
		return porter.ProviderKey{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, true
}

// Snapshot returns copies of all keys, sorted by ID, for persistence and
// display.
func (p *Pool) Snapshot() []porter.ProviderKey {
	entries := p.all()
	out := make([]porter.ProviderKey, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.key)
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b porter.ProviderKey) int { return int(a.ID - b.ID) })
	return out
}

func (p *Pool) all() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*entry, 0, len(p.keys))
	for _, e := range p.keys {
		out = append(out, e)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
