// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package jsonpath resolves dotted paths like "assets.0.name" against decoded JSON values. Each
// segment is an object key, or an array index when the current value is an array.
package jsonpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath indicates that a path segment couldn't be resolved against the shape of the
// value it was applied to.
var ErrInvalidPath = errors.New("invalid path")

// Extract follows path through doc and returns the value it points at. doc is expected to be the
// result of decoding JSON into an 'any': nested map[string]any and []any values. An empty path
// returns doc unchanged.
func Extract(doc any, path string) (any, error) {
	if path == "" {
		return doc, nil
	}
	current := doc
	for i, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil {
				return nil, fmt.Errorf("%w %q: segment %d %q is not an array index", ErrInvalidPath, path, i, segment)
			}
			if index < 0 || index >= len(v) {
				return nil, fmt.Errorf("%w %q: segment %d index %v out of range for array of length %v", ErrInvalidPath, path, i, index, len(v))
			}
			current = v[index]
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, fmt.Errorf("%w %q: segment %d key %q not found", ErrInvalidPath, path, i, segment)
			}
			current = next
		default:
			return nil, fmt.Errorf("%w %q: segment %d %q can't be applied to %T", ErrInvalidPath, path, i, segment, current)
		}
	}
	return current, nil
}
