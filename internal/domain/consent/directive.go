package consent

import (
	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/privacy"
)

// Level is a point in the consent restriction lattice. Levels are
// ordered allow < restrict-scope < deny; the meet of two levels is the
// more restrictive one, so combining directives in any order yields the
// same resolution.
type Level int

const (
	LevelAllow Level = iota
	LevelRestrictScope
	LevelDeny
)

// IsValid reports whether l is a known level
func (l Level) IsValid() bool {
	return l >= LevelAllow && l <= LevelDeny
}

func (l Level) String() string {
	switch l {
	case LevelAllow:
		return "allow"
	case LevelRestrictScope:
		return "restrict_scope"
	case LevelDeny:
		return "deny"
	}
	return "unknown"
}

// Meet returns the more restrictive of two levels
func Meet(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Directive narrows what a contract grants for a device, a data
// category, or both. A directive with a nil device and empty category
// applies globally. Restrict-scope directives carry the narrower scope
// they permit; deny directives need no scope.
type Directive struct {
	DeviceID *uuid.UUID         `json:"device_id,omitempty"`
	Category string             `json:"category,omitempty"`
	Level    Level              `json:"level"`
	Scope    privacy.FieldScope `json:"scope,omitempty"`
}

// Validate checks a directive is internally consistent
func (d Directive) Validate() error {
	if !d.Level.IsValid() {
		return errors.NewValidationError("INVALID_DIRECTIVE_LEVEL",
			"directive level must be allow, restrict_scope or deny")
	}
	if d.Level == LevelRestrictScope && len(d.Scope) == 0 {
		return errors.NewValidationError("MISSING_DIRECTIVE_SCOPE",
			"restrict_scope directives must name the permitted fields")
	}
	return nil
}

// appliesTo reports whether the directive governs the given device and
// category. An unset dimension matches everything.
func (d Directive) appliesTo(deviceID uuid.UUID, category string) bool {
	if d.DeviceID != nil && *d.DeviceID != deviceID {
		return false
	}
	if d.Category != "" && d.Category != category {
		return false
	}
	return true
}

// Resolution is the effective consent for one device after folding all
// applicable directives over the contract's grant.
type Resolution struct {
	Level Level
	Scope privacy.FieldScope
}

// Permits reports whether the resolution lets the device answer a query
// over the requested fields.
func (r Resolution) Permits(requested privacy.FieldScope) bool {
	switch r.Level {
	case LevelDeny:
		return false
	case LevelRestrictScope:
		return r.Scope.Contains(requested)
	}
	return true
}

// ResolveFor computes the effective consent for a device and data
// category. The fold starts at allow over the full granted scope and
// meets every applicable directive: the most restrictive level wins,
// and restrict-scope directives intersect the permitted fields. The
// result does not depend on directive order.
func (c *Contract) ResolveFor(deviceID uuid.UUID, category string) Resolution {
	res := Resolution{Level: LevelAllow, Scope: c.Scope}
	for _, d := range c.Directives {
		if !d.appliesTo(deviceID, category) {
			continue
		}
		res.Level = Meet(res.Level, d.Level)
		if d.Level == LevelRestrictScope {
			res.Scope = res.Scope.Intersect(d.Scope)
		}
	}
	if res.Level == LevelDeny {
		res.Scope = privacy.FieldScope{}
	}
	return res
}
