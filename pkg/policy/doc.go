// Package policy gates applies with Open Policy Agent.
//
// Before ApplyExec runs, the policy check evaluates every enabled policy
// once per item whose apply check requires work. Each evaluation sees a
// PolicyInput as `input`:
//
//	{
//	  "command": "ensure",
//	  "flow_id": "app",
//	  "profile": "production",
//	  "dry_run": false,
//	  "item": {"id": "config_file", "exec_required": true,
//	           "current": {...}, "target": {...}, "diff": {...}},
//	  "context": {"protected_items": ["db"]}
//	}
//
// A policy is a Rego module whose package defines a `deny` set. Elements
// are strings, or objects with `message` and optional `severity` and
// `item` fields:
//
//	package peace.policies.no_path_change
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.item.diff.path_changed
//	    msg := sprintf("path of %s may not change", [input.item.id])
//	}
//
// Violations with severity error or critical block the item; others are
// reported as warnings. Policies are loaded from .rego files (named after
// the file, warning severity), .json definitions and .bundle.json bundles,
// and Watch recompiles them when files change.
package policy
