// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package dockerfile reads and rewrites the 'ARG NAME=VALUE' declarations of a Dockerfile.
//
// Rewrites are line-based rather than a parse and re-emit of the whole file, so comments, blank
// lines, continuation lines, and instruction order all stay exactly as they were.
package dockerfile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const argPrefix = "ARG "

var (
	// ErrLineOutOfRange is returned by RewriteArg when the line index isn't inside the text.
	ErrLineOutOfRange = errors.New("line index out of range")
	// ErrInvalidValue means a value would not be read back unchanged by ParseArgs.
	ErrInvalidValue = errors.New("invalid ARG value")
)

// Argument is one 'ARG NAME=VALUE' declaration found in a Dockerfile.
type Argument struct {
	Name  string
	Value string
	// Line is the zero-based index of the declaration's line in the parsed text.
	Line int
}

// ParseArgs finds each 'ARG NAME=VALUE' line in text. The prefix match is case-sensitive and
// requires exactly one space. ARG lines without a default value are ignored. If a name is
// declared more than once, the last declaration wins.
func ParseArgs(text string) map[string]Argument {
	args := make(map[string]Argument)
	for i, line := range strings.Split(text, "\n") {
		rest, ok := strings.CutPrefix(line, argPrefix)
		if !ok {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimSpace(rest), "=")
		if !ok {
			continue
		}
		args[name] = Argument{Name: name, Value: value, Line: i}
	}
	return args
}

// RewriteArg replaces line 'line' of text with 'ARG {name}={value}'. Every other line is left
// byte-identical. line should come from a ParseArgs call on the same text.
func RewriteArg(text, name string, line int, value string) (string, error) {
	if err := CheckValue(value); err != nil {
		return "", err
	}
	lines := strings.Split(text, "\n")
	if line < 0 || line >= len(lines) {
		return "", fmt.Errorf("%w: %v, text has %v lines", ErrLineOutOfRange, line, len(lines))
	}
	lines[line] = argPrefix + name + "=" + value
	return strings.Join(lines, "\n"), nil
}

// CheckValue returns an error wrapping ErrInvalidValue if value can't be written to a single
// ARG line and parsed back as-is: it must not contain a line break or have surrounding whitespace.
func CheckValue(value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidValue, value)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%w: %q has leading or trailing whitespace", ErrInvalidValue, value)
	}
	return nil
}

// Names returns the names in args ordered by the line they were declared on.
func Names(args map[string]Argument) []string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return args[names[i]].Line < args[names[j]].Line
	})
	return names
}
