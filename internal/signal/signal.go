// Package signal provides typed observer lists. A Signal runs its handlers in three
// stages: handlers connected with Connect, the default handler, then handlers connected
// with ConnectAfter. A Hook is a short-circuiting predicate fold used for veto-style
// policies.
//
// Neither type is safe for concurrent use; callers dispatch on a single event loop.
package signal

// Handle identifies a connected handler.
type Handle uint64

type entry[T any] struct {
	id    Handle
	fn    func(T)
	after bool
}

// Signal is an ordered list of handlers for events carrying a payload of type T.
// The zero value is ready to use.
type Signal[T any] struct {
	next     Handle
	handlers []entry[T]
	def      func(T)
}

// Connect registers fn to run before the default handler.
func (s *Signal[T]) Connect(fn func(T)) Handle {
	return s.connect(fn, false)
}

// ConnectAfter registers fn to run after the default handler.
func (s *Signal[T]) ConnectAfter(fn func(T)) Handle {
	return s.connect(fn, true)
}

// SetDefault installs the default handler. Passing nil removes it.
func (s *Signal[T]) SetDefault(fn func(T)) {
	s.def = fn
}

// Disconnect removes the handler. It reports whether the handle was connected.
// Disconnecting during an emission prevents the handler from running if it has not
// run yet.
func (s *Signal[T]) Disconnect(h Handle) bool {
	for i, e := range s.handlers {
		if e.id == h {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Connected reports whether h is currently connected.
func (s *Signal[T]) Connected(h Handle) bool {
	for _, e := range s.handlers {
		if e.id == h {
			return true
		}
	}
	return false
}

// Len returns the number of connected handlers, excluding the default.
func (s *Signal[T]) Len() int {
	return len(s.handlers)
}

// Emit invokes the handlers with v. Handlers connected during the emission are not
// invoked by it.
func (s *Signal[T]) Emit(v T) {
	snapshot := make([]entry[T], len(s.handlers))
	copy(snapshot, s.handlers)

	for _, e := range snapshot {
		if !e.after && s.Connected(e.id) {
			e.fn(v)
		}
	}
	if s.def != nil {
		s.def(v)
	}
	for _, e := range snapshot {
		if e.after && s.Connected(e.id) {
			e.fn(v)
		}
	}
}

func (s *Signal[T]) connect(fn func(T), after bool) Handle {
	s.next++
	s.handlers = append(s.handlers, entry[T]{id: s.next, fn: fn, after: after})
	return s.next
}

// Hook is an ordered list of predicates. Any returns true as soon as one predicate
// returns true; with no predicates, or when all return false, the default result is
// false.
type Hook[T any] struct {
	next  Handle
	preds []hookEntry[T]
}

type hookEntry[T any] struct {
	id Handle
	fn func(T) bool
}

// Connect registers a predicate.
func (h *Hook[T]) Connect(fn func(T) bool) Handle {
	h.next++
	h.preds = append(h.preds, hookEntry[T]{id: h.next, fn: fn})
	return h.next
}

// Disconnect removes the predicate.
func (h *Hook[T]) Disconnect(handle Handle) bool {
	for i, e := range h.preds {
		if e.id == handle {
			h.preds = append(h.preds[:i:i], h.preds[i+1:]...)
			return true
		}
	}
	return false
}

// Any evaluates predicates in connection order and stops at the first true result.
func (h *Hook[T]) Any(v T) bool {
	for _, e := range h.preds {
		if e.fn(v) {
			return true
		}
	}
	return false
}
