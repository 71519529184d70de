// Copyright 2025 James Ross
package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b/c", "a/b", false},
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
		{"a/*", "a/b", true},
		{"a/*", "a", false},
		{"a/*", "a/b/c", false},
		{"a/**", "a", true},
		{"a/**", "a/b", true},
		{"a/**", "a/b/c/d", true},
		{"**", "anything/at/all", true},
		{"a/**", "b/c", false},
		{"A/b", "a/b", false}, // case sensitive
		{"t", "t", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic),
			"pattern=%q topic=%q", tc.pattern, tc.topic)
	}
}
