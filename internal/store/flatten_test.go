package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	cases := []map[string]any{
		{"host": "h1", "port": float64(5000)},
		{"client_src": map[string]any{"host": "h1", "az": "a"}, "ret_code": float64(0)},
		{
			"client_dest": map[string]any{
				"host": "h2",
				"nested": map[string]any{
					"deep": "value",
				},
			},
		},
		{},
	}
	for _, x := range cases {
		flat := Flatten(x)
		got := Unflatten(flat)
		if diff := cmp.Diff(x, got); diff != "" {
			t.Fatalf("Unflatten(Flatten(x)) mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFlattenDottedKeys(t *testing.T) {
	in := map[string]any{"client_src": map[string]any{"host": "h1"}}
	flat := Flatten(in)
	require.Equal(t, "h1", flat["client_src.host"])
	require.NotContains(t, flat, "client_src")
}

func TestUnflattenRejoinsNestedPaths(t *testing.T) {
	flat := map[string]any{"a.b.c": "x", "a.b.d": "y", "e": "z"}
	out := Unflatten(flat)
	nested, ok := out["a"].(map[string]any)
	require.True(t, ok)
	inner, ok := nested["b"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "x", inner["c"])
	require.Equal(t, "y", inner["d"])
	require.Equal(t, "z", out["e"])
}
