package sortkey

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/mergecursors/pkg/document"
)

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("a, -b.c,+d")
	require.NoError(t, err)
	assert.Equal(t, Pattern{
		{Path: "a", Direction: Ascending},
		{Path: "b.c", Direction: Descending},
		{Path: "d", Direction: Ascending},
	}, p)
	assert.Equal(t, "a,-b.c,d", p.String())

	p, err = ParsePattern("")
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	_, err = ParsePattern("a,-a")
	require.Error(t, err)

	_, err = ParsePattern("a,,b")
	require.Error(t, err)
}

func TestPattern_Validate(t *testing.T) {
	require.NoError(t, Pattern{{Path: "x", Direction: Descending}}.Validate())
	require.Error(t, Pattern{{Path: "x", Direction: 0}}.Validate())
	require.Error(t, Pattern{{Path: "", Direction: Ascending}}.Validate())
}

func TestPattern_EncodeOrdersValues(t *testing.T) {
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	// Listed in ascending order.
	values := []interface{}{
		nil,
		-1e9,
		-2.5,
		-1,
		0,
		1,
		int64(2),
		2.5,
		float64(1 << 40),
		"",
		"a",
		"a\x00",
		"a\x01",
		"ab",
		"b",
		map[string]interface{}{},
		map[string]interface{}{"x": 1},
		document.Document{"x": 9},
		map[string]interface{}{"x": 10},
		map[string]interface{}{"x": 10, "y": "a"},
		map[string]interface{}{"y": 0},
		[]interface{}{},
		[]interface{}{1},
		[]interface{}{1, 2},
		[]interface{}{1, 10},
		[]interface{}{2},
		[]interface{}{map[string]interface{}{"a": 9}},
		[]interface{}{map[string]interface{}{"a": 10}},
		false,
		true,
		ts,
		ts.Add(time.Nanosecond),
	}

	for _, dir := range []Direction{Ascending, Descending} {
		p := Pattern{{Path: "v", Direction: dir}}

		keys := make([]string, len(values))
		for i, v := range values {
			k, err := p.Encode(document.Document{"v": v})
			require.NoError(t, err)
			require.Less(t, k, Max)
			keys[i] = k
		}

		for i := 1; i < len(keys); i++ {
			if dir == Ascending {
				assert.Less(t, keys[i-1], keys[i], "values %v and %v", values[i-1], values[i])
			} else {
				assert.Greater(t, keys[i-1], keys[i], "values %v and %v", values[i-1], values[i])
			}
		}
	}
}

func TestPattern_EncodeCompound(t *testing.T) {
	p := Pattern{{Path: "a", Direction: Ascending}, {Path: "b", Direction: Descending}}
	docs := []document.Document{
		{"a": 2, "b": "x"},
		{"a": 1, "b": "a"},
		{"a": 1, "b": "z"},
		{"b": "q"},
		{"a": 2, "b": "xa"},
	}

	type keyed struct {
		key string
		doc document.Document
	}
	var ks []keyed
	for _, d := range docs {
		k, err := p.Encode(d)
		require.NoError(t, err)
		ks = append(ks, keyed{k, d})
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })

	var got []document.Document
	for _, k := range ks {
		got = append(got, k.doc)
	}
	assert.Equal(t, []document.Document{
		{"b": "q"},
		{"a": 1, "b": "z"},
		{"a": 1, "b": "a"},
		{"a": 2, "b": "xa"},
		{"a": 2, "b": "x"},
	}, got)
}

func TestPattern_EncodeUnsupported(t *testing.T) {
	p := Pattern{{Path: "v", Direction: Ascending}}
	_, err := p.Encode(document.Document{"v": struct{}{}})
	require.Error(t, err)
}

func TestTieBreak(t *testing.T) {
	a := WithTieBreak("k", 1)
	b := WithTieBreak("k", 2)
	assert.Less(t, a, b)
	assert.Equal(t, 1, TieBreak(a))
	assert.Equal(t, 2, TieBreak(b))
	assert.Equal(t, -1, TieBreak("x"))
}
