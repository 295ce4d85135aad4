// Package storage persists named election records.
//
// A record is one JSON document addressed by a short name such as "meta" or
// "audit". Save and Update return only after the data is durable.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBackend is returned by Open for an unsupported store kind.
	ErrUnknownBackend = errors.New("storage: unknown backend")

	// ErrInvalidName is returned for record names that are empty or contain
	// path separators.
	ErrInvalidName = errors.New("storage: invalid record name")
)

const (
	KindJSON = "json"
	KindBolt = "bolt"
)

// Store is an atomic key-value store of JSON records.
type Store interface {
	// Load decodes the named record into v and reports whether it existed.
	Load(name string, v any) (bool, error)

	// Save replaces the named record with v.
	Save(name string, v any) error

	// Update loads the named record into v, calls fn and saves v if fn
	// returns nil. No other write to the store interleaves with it.
	Update(name string, v any, fn func(found bool) error) error

	Close() error
}

// Open returns the store backend named by kind rooted at dir.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case KindJSON, "":
		return NewJSONStore(dir)
	case KindBolt:
		return NewBoltStore(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
