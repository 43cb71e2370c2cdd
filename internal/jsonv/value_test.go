package jsonv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AllKinds(t *testing.T) {
	v, err := Parse([]byte(`{"s":"x","n":1.5,"b":true,"z":null,"a":[1,"two"],"o":{"k":"v"}}`))
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, String("x"), obj["s"])
	assert.Equal(t, Number(1.5), obj["n"])
	assert.Equal(t, Bool(true), obj["b"])
	assert.Equal(t, Null{}, obj["z"])
	assert.Equal(t, Array{Number(1), String("two")}, obj["a"])
	assert.Equal(t, Object{"k": String("v")}, obj["o"])
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestFromAny_YAMLStyleMap(t *testing.T) {
	v, err := FromAny(map[any]any{"k": []any{1, "x"}})
	require.NoError(t, err)
	assert.Equal(t, Object{"k": Array{Number(1), String("x")}}, v)

	_, err = FromAny(map[any]any{1: "x"})
	assert.Error(t, err)
}

func TestToAny_RoundTrip(t *testing.T) {
	v := MustParse(`{"a":[1,true,null,"s"],"b":{"c":2}}`)
	back, err := FromAny(ToAny(v))
	require.NoError(t, err)
	assert.True(t, Equal(v, back))
}

func TestClone_IsDeep(t *testing.T) {
	orig := Object{"list": Array{String("a")}, "inner": Object{"k": Number(1)}}
	cp := Clone(orig).(Object)

	cp["list"] = append(cp["list"].(Array), String("b"))
	cp["inner"].(Object)["k"] = Number(2)

	assert.Len(t, orig["list"], 1)
	assert.Equal(t, Number(1), orig["inner"].(Object)["k"])
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 encodes to surrogates 0xD83D.. which sort before U+FF5E in UTF-16
	// but after it in UTF-8.
	obj := Object{"\uff5e": Null{}, "\U0001F600": Null{}, "a": Null{}}
	assert.Equal(t, []string{"a", "\U0001F600", "\uff5e"}, obj.SortedKeys())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Strings(Array{String("a"), Number(1), String("b")}))
	assert.Nil(t, Strings(String("a")))
}

func TestLookup(t *testing.T) {
	v := MustParse(`{"a":{"b":[{"c":1},{"c":2}]},"flat":"x"}`)

	got, ok := Lookup(v, "a.b.1.c")
	require.True(t, ok)
	assert.Equal(t, Number(2), got)

	got, ok = Lookup(v, "flat")
	require.True(t, ok)
	assert.Equal(t, String("x"), got)

	_, ok = Lookup(v, "a.b.5.c")
	assert.False(t, ok)
	_, ok = Lookup(v, "flat.deeper")
	assert.False(t, ok)
	_, ok = Lookup(v, "missing")
	assert.False(t, ok)

	got, ok = Lookup(v, "")
	require.True(t, ok)
	assert.True(t, Equal(v, got))
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"key order irrelevant", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"array order matters", `[1,2]`, `[2,1]`, false},
		{"int equals float form", `1`, `1.0`, true},
		{"type mismatch", `"1"`, `1`, false},
		{"nulls", `null`, `null`, true},
		{"extra key", `{"a":1}`, `{"a":1,"b":2}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(MustParse(tt.a), MustParse(tt.b)))
		})
	}
}
