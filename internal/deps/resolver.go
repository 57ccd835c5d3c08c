package deps

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// Comparison operators in boundary-extraction priority order. The first
// operator found in a specifier (scanning this order, not left to right)
// supplies the boundary version used to rank competing specifiers.
var operatorPriority = []string{">=", ">", "==", "<=", "<"}

// Resolve negotiates one specifier out of several constraints on the same
// package. Policy: highest lower bound wins; the specifier whose boundary
// version is numerically greatest under (major, minor, patch) ordering is
// selected verbatim; ties go to the earliest input. The result is always
// one of the inputs, never a synthesized intersection, so callers must not
// assume it satisfies every contributing constraint.
func Resolve(constraints []types.Constraint) (string, error) {
	if len(constraints) == 0 {
		return "", nil
	}
	if len(constraints) == 1 {
		return constraints[0].Specifier, nil
	}

	best := ""
	var bestBoundary *semver.Version
	found := false

	for _, c := range constraints {
		if !ValidSpecifier(c.Specifier) {
			continue
		}
		boundary := boundaryVersion(c.Specifier)
		if !found || boundary.GreaterThan(bestBoundary) {
			best = c.Specifier
			bestBoundary = boundary
			found = true
		}
	}

	if !found {
		return "", faults.New(faults.UnresolvableVersion,
			"no parsable specifier among %d constraints for %s",
			len(constraints), constraints[0].Package)
	}
	return best, nil
}

// IsCompatible reports whether two specifiers admit at least one common
// version. Probed over the boundary versions of both specifiers and their
// immediate successors rather than by symbolic interval intersection; that
// is exact for the simple operator set manifests are allowed to use.
func IsCompatible(a, b string) bool {
	ca, err := compileSpecifier(a)
	if err != nil {
		return false
	}
	cb, err := compileSpecifier(b)
	if err != nil {
		return false
	}

	for _, v := range candidateVersions(a, b) {
		if ca.Check(v) && cb.Check(v) {
			return true
		}
	}
	return false
}

// ValidSpecifier reports whether a specifier parses. The empty specifier
// (bare package name) is valid and unconstrained.
func ValidSpecifier(spec string) bool {
	_, err := compileSpecifier(spec)
	return err == nil
}

// compileSpecifier translates a manifest specifier (comma-joined, PEP 440
// style operators) into a semver constraint set.
func compileSpecifier(spec string) (*semver.Constraints, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return semver.NewConstraint("*")
	}
	// Masterminds spells equality with a single '='
	normalized := strings.ReplaceAll(spec, "==", "=")
	return semver.NewConstraint(normalized)
}

// boundaryVersion extracts the version operand of the first comparison
// operator (in priority order) from a specifier. Specifiers with no
// operator or an unparsable operand rank at the bottom.
func boundaryVersion(spec string) *semver.Version {
	zero := semver.New(0, 0, 0, "", "")
	for _, op := range operatorPriority {
		idx := strings.Index(spec, op)
		if idx < 0 {
			continue
		}
		operand := spec[idx+len(op):]
		if cut := strings.IndexByte(operand, ','); cut >= 0 {
			operand = operand[:cut]
		}
		v, err := semver.NewVersion(strings.TrimSpace(operand))
		if err != nil {
			return zero
		}
		return v
	}
	return zero
}

// candidateVersions collects probe points for IsCompatible: every operand
// in both specifiers plus its patch/minor/major successors, and the two
// extremes.
func candidateVersions(specs ...string) []*semver.Version {
	out := []*semver.Version{
		semver.New(0, 0, 0, "", ""),
		semver.New(999999, 0, 0, "", ""),
	}
	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			operand := strings.TrimLeft(part, "><=!~^ ")
			v, err := semver.NewVersion(operand)
			if err != nil {
				continue
			}
			patch := v.IncPatch()
			minor := v.IncMinor()
			major := v.IncMajor()
			out = append(out, v, &patch, &minor, &major)
		}
	}
	return out
}
