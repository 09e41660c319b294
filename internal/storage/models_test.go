package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorValue(t *testing.T) {
	tests := []struct {
		name string
		in   Vector
		want interface{}
	}{
		{name: "nil is null", in: nil, want: nil},
		{name: "empty", in: Vector{}, want: "[]"},
		{name: "values", in: Vector{0.5, -1, 2.25}, want: "[0.5,-1,2.25]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVectorScan(t *testing.T) {
	var v Vector
	require.NoError(t, v.Scan([]byte("[0.5,-1,2.25]")))
	assert.Equal(t, Vector{0.5, -1, 2.25}, v)

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)

	require.NoError(t, v.Scan("[]"))
	assert.Equal(t, Vector{}, v)

	assert.Error(t, v.Scan("0.5,1"))
	assert.Error(t, v.Scan(42))
}

func TestVectorRoundTrip(t *testing.T) {
	in := Vector{0.123456, -9.75, 3}
	val, err := in.Value()
	require.NoError(t, err)

	var out Vector
	require.NoError(t, out.Scan(val.(string)))
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-6)
	}
}

func TestJSONText(t *testing.T) {
	var j JSONText
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, JSONText(`{"a":1}`), j)

	val, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, val)

	var empty JSONText
	val, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, val)

	b, err := empty.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestChunkRefRoundTrip(t *testing.T) {
	id := uuid.New()
	ref := ChunkRef(id, 7)

	gotID, gotIdx, err := ParseChunkRef(ref)
	require.NoError(t, err)
	assert.Equal(t, id.String(), gotID)
	assert.Equal(t, 7, gotIdx)
}

func TestParseChunkRefSplitsOnLastColon(t *testing.T) {
	// Ids containing colons must not break the index parse.
	gotID, gotIdx, err := ParseChunkRef("ns:doc:42:3")
	require.NoError(t, err)
	assert.Equal(t, "ns:doc:42", gotID)
	assert.Equal(t, 3, gotIdx)
}

func TestParseChunkRefErrors(t *testing.T) {
	_, _, err := ParseChunkRef("no-colon-here")
	assert.Error(t, err)

	_, _, err = ParseChunkRef("abc:notanumber")
	assert.Error(t, err)
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello", SanitizeText("hel\x00lo"))
	assert.Equal(t, "clean", SanitizeText("clean"))
	assert.Equal(t, "", SanitizeText("\x00\x00"))

	s := "a\x00b"
	got := SanitizeTextPtr(&s)
	require.NotNil(t, got)
	assert.Equal(t, "ab", *got)

	assert.Nil(t, SanitizeTextPtr(nil))
}
