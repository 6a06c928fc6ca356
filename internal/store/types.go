// Package store implements an in-memory JSON document store with
// recipe-driven Query/Modify, debounced persistence, and an external-change
// watch.
//
// The collection shape follows a map-of-named-collections-to-record-slices
// repository pattern, generalized from a fixed set of repository methods to
// arbitrary named collections plus a recipe layer on top.
package store

import "github.com/goccy/go-json"

// Recipe is a named instruction for a Query or a Modify.
type Recipe struct {
	Name       string          `json:"name"`
	Auth       []string        `json:"auth,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	Unique     string          `json:"unique,omitempty"`
	Defaults   json.RawMessage `json:"defaults,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Header     json.RawMessage `json:"header,omitempty"`
}

// metaConfig is the reserved "_" collection: format/debounce/read-only.
type metaConfig struct {
	Format         string `json:"format,omitempty"`
	WriteDebounceMS int   `json:"writeDebounceMs,omitempty"`
	ReadOnly       bool   `json:"readOnly,omitempty"`
}

// ModifyRequest is one entry of a Modify batch.
type ModifyRequest struct {
	Ref    interface{}     `json:"ref"`
	Record json.RawMessage `json:"record"`
}

// ModifyOp is one line of a Modify result.
type ModifyOp struct {
	Op    string      `json:"op"` // add | change | delete | nop | bad
	Ref   interface{} `json:"ref"`
	Index interface{} `json:"index"`
}
