package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedItemsPolicy(),
		productionCleanPolicy(),
		unknownCurrentPolicy(),
	}
}

// protectedItemsPolicy blocks any change to items listed as protected.
func protectedItemsPolicy() Policy {
	return Policy{
		Name:        "protected-items",
		Description: "Blocks applies that would change an item listed in context.protected_items",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package peace.policies.protected

import rego.v1

deny contains violation if {
	input.item.exec_required
	some id in input.context.protected_items
	id == input.item.id
	violation := {
		"message": sprintf("Item %s is protected and cannot be changed", [input.item.id]),
		"severity": "error",
		"item": input.item.id,
	}
}`,
	}
}

// productionCleanPolicy blocks cleaning in the production profile.
func productionCleanPolicy() Policy {
	return Policy{
		Name:        "production-clean",
		Description: "Blocks clean in the production profile unless it is a dry run",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "profile"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package peace.policies.production_clean

import rego.v1

deny contains violation if {
	input.command == "clean"
	input.profile == "production"
	not input.dry_run
	input.item.exec_required
	violation := {
		"message": sprintf("Refusing to clean %s in the production profile", [input.item.id]),
		"severity": "critical",
		"item": input.item.id,
	}
}`,
	}
}

// unknownCurrentPolicy warns when an item is applied without a known
// current state.
func unknownCurrentPolicy() Policy {
	return Policy{
		Name:        "unknown-current",
		Description: "Warns when an item is applied while its current state is unknown",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"state"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package peace.policies.unknown_current

import rego.v1

deny contains violation if {
	input.item.exec_required
	input.item.current == null
	violation := {
		"message": sprintf("Current state of %s is unknown", [input.item.id]),
		"severity": "warning",
		"item": input.item.id,
	}
}`,
	}
}
