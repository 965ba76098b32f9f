// Package checkers holds quicktest checkers shared by the tests.
package checkers

import (
	"encoding/json"
	"errors"
	"reflect"

	qt "github.com/frankban/quicktest"
	"github.com/yalp/jsonpath"
)

// JSONPathEquals checks that the JSON document in got holds want at path.
// got may be a string, []byte or json.RawMessage; want is compared after a
// round trip through encoding/json, so numbers may be given as ints.
//
//	c.Assert(out, checkers.JSONPathEquals("$.state"), "connected")
func JSONPathEquals(path string) qt.Checker {
	return &jsonPathChecker{path: path}
}

type jsonPathChecker struct {
	path string
}

func (c *jsonPathChecker) ArgNames() []string {
	return []string{"got", "want"}
}

func (c *jsonPathChecker) Check(got any, args []any, note func(key string, value any)) error {
	var raw []byte
	switch v := got.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		return qt.BadCheckf("first argument must be a JSON string or bytes, not %T", got)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		note("error", err)
		return qt.BadCheckf("first argument is not valid JSON")
	}
	value, err := jsonpath.Read(doc, c.path)
	if err != nil {
		note("path", c.path)
		return err
	}

	want, err := normalize(args[0])
	if err != nil {
		return qt.BadCheckf("cannot marshal want: %v", err)
	}
	if !reflect.DeepEqual(value, want) {
		note("path", c.path)
		note("value", value)
		return errors.New("value at path does not match")
	}
	return nil
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}
