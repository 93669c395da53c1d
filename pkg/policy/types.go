package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity stops an apply.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a `deny` set whose
// elements are either strings or objects with `message`, and optionally
// `severity` and `item`.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// PolicyViolation is one element of a policy's deny set.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ItemID is the item whose apply violated the policy.
	ItemID string `json:"item_id,omitempty"`

	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult is the outcome of evaluating all enabled policies.
type PolicyResult struct {
	// Allowed is false if any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations have a blocking severity.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings are violations that do not block.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// ViolationsFor returns the blocking violations of one item.
func (r *PolicyResult) ViolationsFor(itemID string) []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.ItemID == itemID {
			out = append(out, v)
		}
	}
	return out
}

// PolicyInput is the document policies see as `input` when evaluated for
// one item about to be applied.
type PolicyInput struct {
	Command string         `json:"command"`
	FlowID  string         `json:"flow_id"`
	Profile string         `json:"profile"`
	DryRun  bool           `json:"dry_run"`
	Item    ItemInput      `json:"item"`
	Context *PolicyContext `json:"context"`
}

// ItemInput holds the states of the item being evaluated. States and diffs
// are converted to plain JSON values before evaluation.
type ItemInput struct {
	ID           string      `json:"id"`
	ExecRequired bool        `json:"exec_required"`
	Current      interface{} `json:"current"`
	Target       interface{} `json:"target"`
	Diff         interface{} `json:"diff"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	User      string    `json:"user,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// ProtectedItems lists item IDs that must not be changed.
	ProtectedItems []string `json:"protected_items,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
