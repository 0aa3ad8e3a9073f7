package work

import (
	"sync"
	"weak"
)

// Well-known packet keys owned by the engine
const (
	// KeyThrowable holds the error recorded by DoTerminate or a recovered step panic
	KeyThrowable = "throwable"

	// KeyChildFailures holds the []error collected from failed fork-join children
	KeyChildFailures = "childFailures"
)

// Packet is the mutable context shared by the steps of one reconciliation attempt
type Packet struct {
	mu     sync.RWMutex
	values map[string]any
	fiber  weak.Pointer[Fiber]
	bound  bool

	// compound updates by callers, see Lock
	scope sync.Mutex
}

// NewPacket creates an empty packet
func NewPacket() *Packet {
	return &Packet{values: make(map[string]any)}
}

// Get returns the value stored under key
func (p *Packet) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Put stores value under key
func (p *Packet) Put(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// PutAll stores every entry of values
func (p *Packet) PutAll(values map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.values[k] = v
	}
}

// Remove deletes key from the packet
func (p *Packet) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// Has reports whether key is present
func (p *Packet) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// GetString returns the string stored under key, or "" when absent or of another type
func (p *Packet) GetString(key string) string {
	s, _ := Value[string](p, key)
	return s
}

// GetBool returns the bool stored under key, or false when absent or of another type
func (p *Packet) GetBool(key string) bool {
	b, _ := Value[bool](p, key)
	return b
}

// Value returns the value stored under key converted to T
func Value[T any](p *Packet, key string) (T, bool) {
	var zero T
	v, ok := p.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Lock acquires the packet-scoped mutex used for compound read-modify-write
// sequences across concurrently running steps. Single Get/Put calls do not need it.
func (p *Packet) Lock() {
	p.scope.Lock()
}

// Unlock releases the packet-scoped mutex
func (p *Packet) Unlock() {
	p.scope.Unlock()
}

// Copy returns a shallow copy that is not bound to any fiber
func (p *Packet) Copy() *Packet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c := &Packet{values: make(map[string]any, len(p.values))}
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Fiber returns the fiber currently executing this packet, or nil
func (p *Packet) Fiber() *Fiber {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.bound {
		return nil
	}
	return p.fiber.Value()
}

// IsCancelled reports whether the owning fiber was cancelled. A packet with no
// live fiber is treated as cancelled.
func (p *Packet) IsCancelled() bool {
	f := p.Fiber()
	return f == nil || f.IsCancelled()
}

// Err returns the error recorded under KeyThrowable
func (p *Packet) Err() error {
	err, _ := Value[error](p, KeyThrowable)
	return err
}

// ChildFailures returns the errors recorded by failed fork-join children
func (p *Packet) ChildFailures() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	errs, _ := p.values[KeyChildFailures].([]error)
	out := make([]error, len(errs))
	copy(out, errs)
	return out
}

// addChildFailures appends the non-nil errors of failures in order
func (p *Packet) addChildFailures(failures []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs, _ := p.values[KeyChildFailures].([]error)
	for _, err := range failures {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.values[KeyChildFailures] = errs
	}
}

func (p *Packet) bind(f *Fiber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fiber = weak.Make(f)
	p.bound = true
}

func (p *Packet) ownedByOther(f *Fiber) bool {
	current := p.Fiber()
	return current != nil && current != f && !current.IsDone()
}
