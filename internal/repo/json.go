package repo

import (
	"encoding/json"
	"fmt"
)

// JSON sub-documents (design, tags, utm) are stored as text so the schema stays portable.

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func encodeNullableJSON[T any](v *T, isZero func(*T) bool) (*string, error) {
	if v == nil || isZero(v) {
		return nil, nil
	}
	s, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeJSON[T any](s string) (T, error) {
	var v T
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, fmt.Errorf("failed to decode column: %w", err)
	}
	return v, nil
}

func decodeNullableJSON[T any](s *string) (*T, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	v, err := decodeJSON[T](*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// nullable turns a nil *string into an untyped nil so the builder renders NULL.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
