// Package ts holds the zero-size type-state tags that distinguish one
// phase's States map from another's in the resource store.
package ts

// Current tags states discovered from the live system in this execution.
type Current struct{}

// CurrentStored tags current states read from storage.
type CurrentStored struct{}

// Goal tags goal states computed in this execution.
type Goal struct{}

// GoalStored tags goal states read from storage.
type GoalStored struct{}

// Clean tags the states items would be in after being cleaned.
type Clean struct{}

// Ensured tags states after an ensure apply.
type Ensured struct{}

// EnsuredDry tags simulated states after a dry-run ensure apply.
type EnsuredDry struct{}

// Cleaned tags states after a clean apply.
type Cleaned struct{}

// CleanedDry tags simulated states after a dry-run clean apply.
type CleanedDry struct{}

// Previous tags current states as stored before this execution started.
type Previous struct{}

// Name returns a display name for a tag.
func Name(tag any) string {
	switch tag.(type) {
	case Current:
		return "current"
	case CurrentStored:
		return "current_stored"
	case Goal:
		return "goal"
	case GoalStored:
		return "goal_stored"
	case Clean:
		return "clean"
	case Ensured:
		return "ensured"
	case EnsuredDry:
		return "ensured_dry"
	case Cleaned:
		return "cleaned"
	case CleanedDry:
		return "cleaned_dry"
	case Previous:
		return "previous"
	default:
		return "unknown"
	}
}
