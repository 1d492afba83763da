package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCodec(t *testing.T) {
	codec, err := NewPayloadCodec(64)
	require.NoError(t, err)

	small := map[string]string{"type": "stock.changed"}
	inline, compressed, algo, err := codec.Encode(small)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, algo)
	assert.Nil(t, compressed)
	assert.JSONEq(t, `{"type":"stock.changed"}`, string(inline))

	large := map[string]string{"note": strings.Repeat("x", 500)}
	inline, compressed, algo, err = codec.Encode(large)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, algo)
	assert.Nil(t, inline)
	assert.Less(t, len(compressed), 500)

	raw, err := codec.Decode(inline, compressed, algo)
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"`+strings.Repeat("x", 500)+`"}`, string(raw))

	_, err = codec.Decode(nil, nil, "lz4")
	assert.Error(t, err)
}
