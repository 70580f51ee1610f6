// Package qconfig implements the flat key/value configuration hook every
// stage exposes via ApplyConfig. Loading the map from a file or the wire is
// an external collaborator's job (spec §6); this package only type-asserts
// the values a stage actually needs.
package qconfig

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Map is a flat settings bag, the shape luxfi-consensus's config package
// hands to its engines.
type Map map[string]string

// Int returns the integer value of key, or def if key is absent.
func (m Map) Int(key string, def int) (int, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Wrapf(err, "qconfig: key %q is not an int", key)
	}
	return n, nil
}

// Uint64 returns the uint64 value of key, or def if key is absent.
func (m Map) Uint64(key string, def uint64) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def, errors.Wrapf(err, "qconfig: key %q is not a uint64", key)
	}
	return n, nil
}

// Float returns the float64 value of key, or def if key is absent.
func (m Map) Float(key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, errors.Wrapf(err, "qconfig: key %q is not a float", key)
	}
	return f, nil
}

// Duration returns the time.Duration value of key, or def if key is absent.
func (m Map) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, errors.Wrapf(err, "qconfig: key %q is not a duration", key)
	}
	return d, nil
}

// Bool returns the boolean value of key, or def if key is absent.
func (m Map) Bool(key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.Wrapf(err, "qconfig: key %q is not a bool", key)
	}
	return b, nil
}

// String returns the string value of key, or def if key is absent.
func (m Map) String(key string, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}
