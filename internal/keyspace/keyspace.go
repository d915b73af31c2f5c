// Package keyspace builds store keys of the form
// <app-prefix>:<component>:<logical-key> so that keys written by different
// coordination primitives never collide and can be listed per component.
package keyspace

import (
	"fmt"
	"strings"

	"coordkit/internal/common/errors"
	"coordkit/internal/common/validation"
)

// Component names one coordination primitive's slice of the keyspace
type Component string

const (
	Lock         Component = "lock"
	Idempotency  Component = "idempotency"
	RepeatSubmit Component = "repeat_submit"
	RateLimit    Component = "rate_limit"
)

const separator = ":"

// Namespace prefixes every key with an application name
type Namespace struct {
	app string
}

// New creates a namespace for app. The app prefix must be a single key segment.
func New(app string) (Namespace, error) {
	if !validation.IsKeySegment(app) {
		return Namespace{}, errors.ConfigError(fmt.Sprintf("invalid key prefix %q", app))
	}
	return Namespace{app: app}, nil
}

// MustNew is like New but panics on an invalid prefix
func MustNew(app string) Namespace {
	ns, err := New(app)
	if err != nil {
		panic(err)
	}
	return ns
}

// App returns the application prefix
func (n Namespace) App() string {
	return n.app
}

// Key joins the logical key parts under component. Every part must be non-empty.
func (n Namespace) Key(component Component, parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", errors.ValidationError("key requires at least one logical segment")
	}
	for i, p := range parts {
		if p == "" {
			return "", errors.ValidationError(fmt.Sprintf("key segment %d is empty", i)).
				WithContext("component", string(component))
		}
	}
	return n.Prefix(component) + strings.Join(parts, separator), nil
}

// Prefix returns "<app>:<component>:"
func (n Namespace) Prefix(component Component) string {
	return n.app + separator + string(component) + separator
}

// Pattern returns a SCAN/KEYS pattern matching every key of component
func (n Namespace) Pattern(component Component) string {
	return n.Prefix(component) + "*"
}

// Logical strips the namespace and component from key. ok is false when the
// key does not belong to component.
func (n Namespace) Logical(component Component, key string) (string, bool) {
	prefix := n.Prefix(component)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
