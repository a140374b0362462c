package stream

import "iter"

// FromSlice returns a Source over elems.
func FromSlice[E any](elems []E) Source[E] {
	return &sliceSource[E]{elems: elems, pos: -1}
}

type sliceSource[E any] struct {
	elems  []E
	pos    int
	closed bool
}

func (s *sliceSource[E]) Next() bool {
	if s.closed || s.pos+1 >= len(s.elems) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceSource[E]) Current() E {
	if s.pos < 0 || s.pos >= len(s.elems) {
		var zero E
		return zero
	}
	return s.elems[s.pos]
}

func (s *sliceSource[E]) Err() error { return nil }

func (s *sliceSource[E]) Close() error {
	s.closed = true
	return nil
}

// FromSeq adapts a range-over-func sequence. Close stops the sequence early.
func FromSeq[E any](seq iter.Seq[E]) Source[E] {
	next, stop := iter.Pull(seq)
	return &seqSource[E]{next: next, stop: stop}
}

type seqSource[E any] struct {
	next func() (E, bool)
	stop func()
	cur  E
}

func (s *seqSource[E]) Next() bool {
	v, ok := s.next()
	if ok {
		s.cur = v
	}
	return ok
}

func (s *seqSource[E]) Current() E { return s.cur }

func (s *seqSource[E]) Err() error { return nil }

func (s *seqSource[E]) Close() error {
	s.stop()
	return nil
}
