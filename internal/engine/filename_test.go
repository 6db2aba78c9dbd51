package engine_test

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"contentline/internal/engine"
)

func TestNormalizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello World", "hello_world"},
		{"  --Ab  ", "ab"},
		{"Ünïcödé Tïtle", "unicode_title"},
		{"Straße", "strasse"},
		{"Æbleskiver på Øen", "aebleskiver_pa_oen"},
		{"Łódź", "lodz"},
		{`a/b\c.d`, "a_b_c_d"},
		{"", ""},
		{"***", ""},
		{strings.Repeat("a", 60), strings.Repeat("a", 55)},
		// cut at the last "_" in the window
		{strings.Repeat("word ", 20), strings.TrimSuffix(strings.Repeat("word_", 11), "_")},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, engine.NormalizeFilename(tc.in), "input %q", tc.in)
	}
}

var segmentRe = regexp.MustCompile(`^([a-z0-9]+(_[a-z0-9]+)*)?$`)

func TestNormalizeFilenameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "in")
		out := engine.NormalizeFilename(in)
		if len(out) > 55 {
			t.Fatalf("%q longer than 55", out)
		}
		if !segmentRe.MatchString(out) {
			t.Fatalf("%q is not a clean segment", out)
		}
		if again := engine.NormalizeFilename(out); again != out {
			t.Fatalf("not idempotent: %q -> %q", out, again)
		}
	})
}

func TestUniqueFilenameAvoidsIDs(t *testing.T) {
	free := func(string) (bool, error) { return false, nil }
	for in, want := range map[string]string{"1": "n1", "2024": "n2024", "0": "0", "v2": "v2"} {
		got, err := engine.UniqueFilename(in, free)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := engine.UniqueFilename("7", func(s string) (bool, error) { return s == "n7", nil })
	require.NoError(t, err)
	require.Equal(t, "n71", got)
}

func TestUniqueFilenameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.SampledFrom([]string{"file", "note", "hello_world"}).Draw(t, "base")
		suffixes := rapid.SliceOfDistinct(rapid.IntRange(0, 12), rapid.ID[int]).Draw(t, "taken")
		taken := map[string]bool{}
		for _, n := range suffixes {
			name := base
			if n > 0 {
				name += strconv.Itoa(n)
			}
			taken[name] = true
		}
		got, err := engine.UniqueFilename(base, func(s string) (bool, error) { return taken[s], nil })
		if err != nil {
			t.Fatal(err)
		}
		if taken[got] || got == "file" || !strings.HasPrefix(got, base) {
			t.Fatalf("bad unique name %q for %q", got, base)
		}
	})
}
