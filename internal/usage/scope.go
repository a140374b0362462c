package usage

// Scope is the nested trail of units of work a call was made under, outermost first.
type Scope struct {
	Path []string
}

// NewScope returns a scope for the given path.
func NewScope(path ...string) Scope {
	return Scope{Path: path}
}

// Unit is the innermost unit name.
func (s Scope) Unit() string {
	if len(s.Path) == 0 {
		return UnknownUnit
	}
	return s.Path[len(s.Path)-1]
}

// CallPath returns a copy of the path, or a single-element path for the unknown unit.
func (s Scope) CallPath() []string {
	if len(s.Path) == 0 {
		return []string{UnknownUnit}
	}
	path := make([]string, len(s.Path))
	copy(path, s.Path)
	return path
}

// Push returns a new scope with name appended; s is not modified.
func (s Scope) Push(name string) Scope {
	path := make([]string, len(s.Path), len(s.Path)+1)
	copy(path, s.Path)
	return Scope{Path: append(path, name)}
}
