package can

// FilterAction is the outcome a matching filter assigns to a frame.
type FilterAction int

const (
	Accept FilterAction = iota
	Drop
)

// Filter is a (pattern, mask, extended, action) tuple. A frame f matches
// when f is of the same ID kind as the filter and
// (f.ID & mask) == (pattern & mask).
type Filter struct {
	Pattern  uint32
	Mask     uint32
	Extended bool
	Action   FilterAction
}

func (f Filter) matches(id FrameID) bool {
	if id.Extended() != f.Extended {
		return false
	}
	return (id.Value() & f.Mask) == (f.Pattern & f.Mask)
}

// filterSet evaluates an ordered list of filters. Filters are evaluated
// in insertion order; the first match decides. An empty set, or a set
// with no match, defaults to Accept (listen-all is the initial state).
type filterSet struct {
	filters []Filter
}

func (s *filterSet) install(f Filter) {
	s.filters = append(s.filters, f)
}

// remove deletes the first filter equal to f, reporting whether one was found.
func (s *filterSet) remove(f Filter) bool {
	for i, existing := range s.filters {
		if existing == f {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return true
		}
	}
	return false
}

func (s *filterSet) clear() {
	s.filters = nil
}

func (s *filterSet) evaluate(id FrameID) FilterAction {
	for _, f := range s.filters {
		if f.matches(id) {
			return f.Action
		}
	}
	return Accept
}
