package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectLookup(t *testing.T) {
	obj := Object{
		"replied": Bool(true),
		"steps": Object{
			"intro": Object{"status": String("sent")},
		},
	}

	v, ok := obj.Lookup("replied")
	require.True(t, ok)
	assert.Equal(t, Bool(true), v)

	v, ok = obj.Lookup("steps.intro.status")
	require.True(t, ok)
	assert.Equal(t, String("sent"), v)

	_, ok = obj.Lookup("steps.missing.status")
	assert.False(t, ok)

	_, ok = obj.Lookup("replied.deeper")
	assert.False(t, ok, "cannot descend into a non-object")

	_, ok = obj.Lookup("")
	assert.False(t, ok)
}

func TestUnmarshalValueRejectsFloats(t *testing.T) {
	tests := []string{`1.5`, `{"score": 2.0}`, `[1e3]`}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := UnmarshalValue([]byte(input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "floats are not allowed")
		})
	}
}

func TestUnmarshalValueKeepsNull(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"title": null, "n": 3}`))
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Null{}, obj["title"])
	assert.Equal(t, Int(3), obj["n"])
}

func TestObjectJSONRoundTrip(t *testing.T) {
	in := Object{
		"company": String("Acme"),
		"size":    Int(250),
		"tags":    List{String("saas"), String("b2b")},
		"meta":    Object{"replied": Bool(false)},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"company":"Acme","meta":{"replied":false},"size":250,"tags":["saas","b2b"]}`, string(data))

	var out Object
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in, out))
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(map[string]any{
		"replied": true,
		"opens":   float64(3),
		"title":   "VP Sales",
		"tags":    []any{"a", 1},
	})
	require.NoError(t, err)
	assert.True(t, Equal(Object{
		"replied": Bool(true),
		"opens":   Int(3),
		"title":   String("VP Sales"),
		"tags":    List{String("a"), Int(1)},
	}, v))

	_, err = ValueOf(1.25)
	assert.Error(t, err)

	_, err = ValueOf(map[string]any{"x": nil})
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(String("a"), String("a")))
	assert.False(t, Equal(String("1"), Int(1)))
	assert.False(t, Equal(List{Int(1)}, List{Int(1), Int(2)}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.True(t, Equal(Null{}, Null{}))
}
