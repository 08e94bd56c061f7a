// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package stringutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CutThrough behaves like strings.Cut, but only returns the part of s after the first occurrence
// of sep. If sep isn't in s, returns s, false.
func CutThrough(s, sep string) (after string, found bool) {
	if _, after, found := strings.Cut(s, sep); found {
		return after, true
	}
	return s, false
}

// NewBOMReader returns a reader that drops a leading UTF-8 BOM and decodes UTF-16 content that
// starts with a UTF-16 BOM. Content without a BOM passes through unchanged.
func NewBOMReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(transform.Nop))
}

// ReadFile reads the whole file at path through NewBOMReader.
func ReadFile(path string) (content []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	return io.ReadAll(NewBOMReader(f))
}

// ErrTrailingData means more content follows the JSON value.
var ErrTrailingData = errors.New("unexpected data after top-level value")

// DecodeJSON decodes exactly one JSON value from r into i. Supports BOM. Numbers are decoded as
// json.Number when i holds an 'any', so they keep the text they were sent with.
func DecodeJSON(r io.Reader, i any) error {
	d := json.NewDecoder(NewBOMReader(r))
	d.UseNumber()
	if err := d.Decode(i); err != nil {
		return fmt.Errorf("unable to decode JSON: %w", err)
	}
	if _, err := d.Token(); err != io.EOF {
		if err == nil {
			err = ErrTrailingData
		}
		return fmt.Errorf("unable to decode JSON: %w", err)
	}
	return nil
}
