package types

// Constraint is a single (package, specifier) requirement contributed by
// one plugin's manifest. Immutable once parsed.
type Constraint struct {
	Package   string `json:"package"`
	Specifier string `json:"specifier"`
	Source    string `json:"source"`
}

// String renders the constraint the way it appeared in the manifest
func (c Constraint) String() string {
	return c.Package + c.Specifier
}

// ResolvedSet maps package name to the single negotiated specifier for
// one environment. Rebuilt wholesale on every sync, never patched.
type ResolvedSet map[string]string
