package rules

import (
	"fmt"
	"strings"
)

// ContextKind selects which preparation function shapes a raw context.
type ContextKind string

const (
	ContextRequest ContextKind = "request"
	ContextUser    ContextKind = "user"
	ContextContent ContextKind = "content"
	ContextSystem  ContextKind = "system"
)

// RequestContext is the stable minimal shape predicates can rely on for
// request-type rules.
type RequestContext struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	SourceAddress string            `json:"source_address"`
	Headers       map[string]string `json:"headers,omitempty"`
	Query         map[string]string `json:"query,omitempty"`
}

// UserContext identifies the actor behind a request.
type UserContext struct {
	ActorID       string `json:"actor_id"`
	Role          string `json:"role"`
	Authenticated bool   `json:"authenticated"`
}

// ContentContext summarizes submitted content for content-type rules.
type ContentContext struct {
	ContentType string                 `json:"content_type"`
	Size        int                    `json:"size"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// SystemContext describes the evaluating process for system-type rules.
type SystemContext struct {
	Component   string `json:"component"`
	Environment string `json:"environment"`
}

// EvalContext is the structured context rule predicates run against.
// The typed sub-records carry the stable minimal shape; Extra preserves
// any fields the producer supplied that the preparation functions do
// not recognize. Predicates may reference Extra fields but must not
// require them.
type EvalContext struct {
	Kind    ContextKind            `json:"kind"`
	Request *RequestContext        `json:"request,omitempty"`
	User    *UserContext           `json:"user,omitempty"`
	Content *ContentContext        `json:"content,omitempty"`
	System  *SystemContext         `json:"system,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// PrepareContext shapes a raw producer-supplied map into an EvalContext
// for the given kind. Every kind populates its stable minimal shape with
// zero values when fields are absent; unknown fields land in Extra. The
// caller's map is read, never mutated, so the same map can be evaluated
// any number of times.
func PrepareContext(kind ContextKind, raw map[string]interface{}) (*EvalContext, error) {
	switch kind {
	case ContextRequest:
		return prepareRequestContext(raw), nil
	case ContextUser:
		return prepareUserContext(raw), nil
	case ContextContent:
		return prepareContentContext(raw), nil
	case ContextSystem:
		return prepareSystemContext(raw), nil
	default:
		return nil, fmt.Errorf("unknown context kind: %s", kind)
	}
}

func prepareRequestContext(raw map[string]interface{}) *EvalContext {
	ec := &EvalContext{
		Kind: ContextRequest,
		Request: &RequestContext{
			Method:        getString(raw, "method"),
			Path:          getString(raw, "path"),
			SourceAddress: getString(raw, "source_address"),
			Headers:       getStringMap(raw, "headers"),
			Query:         getStringMap(raw, "query"),
		},
		User: &UserContext{
			ActorID: getString(raw, "actor_id"),
			Role:    getString(raw, "role"),
		},
	}
	ec.User.Authenticated = ec.User.ActorID != ""
	ec.Extra = extraFrom(raw, "method", "path", "source_address", "headers", "query", "actor_id", "role")
	return ec
}

func prepareUserContext(raw map[string]interface{}) *EvalContext {
	ec := &EvalContext{
		Kind: ContextUser,
		User: &UserContext{
			ActorID: getString(raw, "actor_id"),
			Role:    getString(raw, "role"),
		},
	}
	if v, ok := raw["authenticated"].(bool); ok {
		ec.User.Authenticated = v
	} else {
		ec.User.Authenticated = ec.User.ActorID != ""
	}
	ec.Extra = extraFrom(raw, "actor_id", "role", "authenticated")
	return ec
}

func prepareContentContext(raw map[string]interface{}) *EvalContext {
	ec := &EvalContext{
		Kind: ContextContent,
		Content: &ContentContext{
			ContentType: getString(raw, "content_type"),
		},
	}
	if n, ok := toInt(raw["size"]); ok {
		ec.Content.Size = n
	}
	if v, ok := raw["fields"].(map[string]interface{}); ok {
		ec.Content.Fields = v
	}
	ec.User = &UserContext{ActorID: getString(raw, "actor_id"), Role: getString(raw, "role")}
	ec.User.Authenticated = ec.User.ActorID != ""
	ec.Extra = extraFrom(raw, "content_type", "size", "fields", "actor_id", "role")
	return ec
}

func prepareSystemContext(raw map[string]interface{}) *EvalContext {
	ec := &EvalContext{
		Kind: ContextSystem,
		System: &SystemContext{
			Component:   getString(raw, "component"),
			Environment: getString(raw, "environment"),
		},
	}
	ec.Extra = extraFrom(raw, "component", "environment")
	return ec
}

// Lookup resolves a dot-notation field reference against the context.
// Top-level segments address the typed sub-records ("request.method",
// "user.role", "content.fields.email"); unresolved references fall
// through to Extra.
func (ec *EvalContext) Lookup(field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	if len(parts) == 0 {
		return nil, false
	}

	switch parts[0] {
	case "request":
		if ec.Request == nil {
			return nil, false
		}
		return lookupIn(ec.Request.asMap(), parts[1:])
	case "user":
		if ec.User == nil {
			return nil, false
		}
		return lookupIn(map[string]interface{}{
			"actor_id":      ec.User.ActorID,
			"role":          ec.User.Role,
			"authenticated": ec.User.Authenticated,
		}, parts[1:])
	case "content":
		if ec.Content == nil {
			return nil, false
		}
		return lookupIn(map[string]interface{}{
			"content_type": ec.Content.ContentType,
			"size":         ec.Content.Size,
			"fields":       ec.Content.Fields,
		}, parts[1:])
	case "system":
		if ec.System == nil {
			return nil, false
		}
		return lookupIn(map[string]interface{}{
			"component":   ec.System.Component,
			"environment": ec.System.Environment,
		}, parts[1:])
	}

	return lookupIn(ec.Extra, parts)
}

func (rc *RequestContext) asMap() map[string]interface{} {
	return map[string]interface{}{
		"method":         rc.Method,
		"path":           rc.Path,
		"source_address": rc.SourceAddress,
		"headers":        stringMapToInterface(rc.Headers),
		"query":          stringMapToInterface(rc.Query),
	}
}

// lookupIn navigates nested maps using the remaining path segments.
func lookupIn(m map[string]interface{}, parts []string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	if len(parts) == 0 {
		return m, true
	}
	current := m
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func getString(raw map[string]interface{}, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func getStringMap(raw map[string]interface{}, key string) map[string]string {
	switch m := raw[key].(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprintf("%v", val)
			}
		}
		return out
	}
	return nil
}

// extraFrom copies every key outside the recognized set into a fresh
// map so the caller's map survives preparation intact.
func extraFrom(raw map[string]interface{}, recognized ...string) map[string]interface{} {
	known := make(map[string]struct{}, len(recognized))
	for _, k := range recognized {
		known[k] = struct{}{}
	}
	var extra map[string]interface{}
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[k] = v
	}
	return extra
}

func stringMapToInterface(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
