package reactive

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
)

const (
	logMsgReconciled = "queries reconciled"
	logAttrKept      = "kept"
	logAttrAttached  = "attached"
	logAttrDetached  = "detached"
)

// Result is the latest thing a named query delivered: a snapshot (held as
// *Snapshot[D]) or an error.
type Result struct {
	Snapshot any
	Err      error
}

// ReconcileStats counts what one Declare call did.
type ReconcileStats struct {
	Kept     int
	Attached int
	Detached int
}

// Registry binds one consumer's named queries to mirrors. Declare may be
// called as often as the consumer re-evaluates what it wants: equivalent
// descriptors keep their mirror, so unchanged declarations cost nothing.
type Registry struct {
	bound    map[string]Binding
	state    map[string]Result
	handlers map[string][]handler
	nextID   uint64
	onChange func(name string)
	log      *zap.Logger
}

type handler struct {
	id uint64
	fn func(Result)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithChangeHandler sets a function called after any named query delivers,
// once per delivery. Consumers use it to schedule a re-render.
func WithChangeHandler(fn func(name string)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		bound:    make(map[string]Binding),
		state:    make(map[string]Result),
		handlers: make(map[string][]handler),
	}
	for _, option := range options {
		option(r)
	}
	if r.log == nil {
		r.log = zap.L().Named("registry")
	}
	return r
}

// Declare reconciles the bound mirrors against desired. A name bound to an
// equivalent descriptor is left alone; a name whose descriptor changed is
// detached and rebound; new names are bound; names no longer desired are
// detached and dropped. Zero descriptors count as not desired.
//
// When a name is rebound its previous result stays visible until the new
// mirror delivers, so a consumer keeps showing old data instead of flashing
// an empty state.
func (r *Registry) Declare(desired map[string]Descriptor) ReconcileStats {
	var stats ReconcileStats

	for _, name := range slices.Sorted(maps.Keys(r.bound)) {
		if d, ok := desired[name]; !ok || d.IsZero() {
			r.bound[name].Detach()
			delete(r.bound, name)
			delete(r.state, name)
			stats.Detached++
		}
	}

	for _, name := range slices.Sorted(maps.Keys(desired)) {
		d := desired[name]
		if d.IsZero() {
			continue
		}
		if old, ok := r.bound[name]; ok {
			if old.Descriptor().Equivalent(d) {
				stats.Kept++
				continue
			}
			old.Detach()
			stats.Detached++
		}

		b := d.build()
		r.bound[name] = b
		b.attachAny(r.receiver(name, b))
		stats.Attached++
	}

	if stats.Attached > 0 || stats.Detached > 0 {
		r.log.Debug(logMsgReconciled,
			zap.Int(logAttrKept, stats.Kept),
			zap.Int(logAttrAttached, stats.Attached),
			zap.Int(logAttrDetached, stats.Detached))
	}
	return stats
}

func (r *Registry) receiver(name string, b Binding) func(any, error) {
	return func(snap any, err error) {
		if r.bound[name] != b {
			return
		}
		res := Result{Snapshot: snap, Err: err}
		if err != nil {
			// an error does not erase data already shown
			res.Snapshot = r.state[name].Snapshot
		}
		r.state[name] = res
		for _, h := range r.handlers[name] {
			h.fn(res)
		}
		if r.onChange != nil {
			r.onChange(name)
		}
	}
}

// Binding returns the mirror bound under name.
func (r *Registry) Binding(name string) (Binding, bool) {
	b, ok := r.bound[name]
	return b, ok
}

// Names returns the bound names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.bound))
}

// Result returns the latest result for name and whether anything has been
// delivered under it.
func (r *Registry) Result(name string) (Result, bool) {
	res, ok := r.state[name]
	return res, ok
}

// Subscribe registers h for deliveries under name. If something was already
// delivered, h receives it immediately. The returned function unregisters h.
func (r *Registry) Subscribe(name string, h func(Result)) (cancel func()) {
	r.nextID++
	id := r.nextID
	r.handlers[name] = append(r.handlers[name], handler{id: id, fn: h})
	if res, ok := r.state[name]; ok {
		h(res)
	}

	return func() {
		hs := r.handlers[name]
		i := slices.IndexFunc(hs, func(h handler) bool { return h.id == id })
		if i < 0 {
			return
		}
		// a fresh slice keeps an in-progress delivery loop intact
		rest := slices.Delete(slices.Clone(hs), i, i+1)
		if len(rest) == 0 {
			delete(r.handlers, name)
			return
		}
		r.handlers[name] = rest
	}
}

// Close detaches every bound mirror. The registry can be reused afterwards.
func (r *Registry) Close() {
	r.Declare(nil)
	clear(r.handlers)
}

// OnSnapshot registers a typed callback for the query bound under name. D is
// the snapshot data type: *T for AsValue sources, []ListItem[T] for AsList.
func OnSnapshot[D any](r *Registry, name string, cb Callback[D]) (cancel func()) {
	return r.Subscribe(name, func(res Result) {
		snap, err := typed[D](name, res)
		if err != nil {
			cb(nil, err)
			return
		}
		if res.Err != nil {
			cb(nil, res.Err)
			return
		}
		cb(snap, nil)
	})
}

// Lookup returns the latest snapshot for name. It returns (nil, nil) while
// nothing has been delivered, and the delivered error if the latest
// delivery was a failure.
func Lookup[D any](r *Registry, name string) (*Snapshot[D], error) {
	res, ok := r.state[name]
	if !ok {
		return nil, nil
	}
	snap, err := typed[D](name, res)
	if err != nil {
		return nil, err
	}
	return snap, res.Err
}

func typed[D any](name string, res Result) (*Snapshot[D], error) {
	if res.Snapshot == nil {
		return nil, nil
	}
	snap, ok := res.Snapshot.(*Snapshot[D])
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %T", ErrTypeMismatch, name, res.Snapshot)
	}
	return snap, nil
}
