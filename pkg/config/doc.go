// Package config loads flow definitions from peace.cue files.
//
// A flow definition declares a flow ID, its items, the params of each item
// and the mapping functions params may be computed with:
//
//	flow: id: "app"
//
//	items: [
//		{id: "version", kind: "blank", params: src: 3},
//		{
//			id:    "config_file"
//			kind:  "file"
//			after: ["version"]
//			params: {
//				path:    "/etc/app.conf"
//				content: {mapping_fn: "render_conf"}
//			}
//		},
//	]
//
//	mapping_fns: render_conf: {
//		from: "version"
//		expr: "'version = %d' % state['value']"
//	}
//
// Each params field is a bare literal or one of {value: ...},
// {mapping_fn: name}, {stored: true} and {in_memory: true}. Mapping
// functions are Starlark expressions that see the state of the item named
// in from as `state`.
//
// Definitions are checked in three passes: the CUE schema in schemas.go,
// struct validation with go-playground/validator, and cross-references
// between items and mapping functions. All problems are reported together
// in a ParseError.
//
// Config.Build turns a definition into a flow using a Kinds registry, which
// maps kind names to item constructors.
package config
