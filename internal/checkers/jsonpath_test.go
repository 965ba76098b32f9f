package checkers_test

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/go-ports/memlink/internal/checkers"
)

const doc = `{"state":"connected","attempt":2,"servers":[{"name":"primary"},{"name":"backup"}],"tags":["a","b"]}`

// ---------------------------------------------------------------------------
// JSONPathEquals
// ---------------------------------------------------------------------------

func TestJSONPathEquals_HappyPath(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		name string
		got  any
		path string
		want any
	}{
		{"string field", doc, "$.state", "connected"},
		{"int compared as number", doc, "$.attempt", 2},
		{"array element", []byte(doc), "$.servers[1].name", "backup"},
		{"whole array", json.RawMessage(doc), "$.tags", []string{"a", "b"}},
		{"object", doc, "$.servers[0]", map[string]string{"name": "primary"}},
	}

	for _, tc := range cases {
		c.Run(tc.name, func(c *qt.C) {
			c.Assert(tc.got, checkers.JSONPathEquals(tc.path), tc.want)
		})
	}
}

func TestJSONPathEquals_FailurePath(t *testing.T) {
	c := qt.New(t)

	noop := func(string, any) {}

	cases := []struct {
		name string
		got  any
		path string
		want any
		bad  bool
	}{
		{"different value", doc, "$.state", "failed", false},
		{"missing key", doc, "$.nope", "x", false},
		{"not json", "{", "$.state", "x", true},
		{"wrong got type", 42, "$.state", "x", true},
	}

	for _, tc := range cases {
		c.Run(tc.name, func(c *qt.C) {
			err := checkers.JSONPathEquals(tc.path).Check(tc.got, []any{tc.want}, noop)
			c.Assert(err, qt.IsNotNil)
			c.Assert(qt.IsBadCheck(err), qt.Equals, tc.bad)
		})
	}
}
