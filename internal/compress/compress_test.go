package compress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/compress"
)

func TestNegotiatePrefersGzip(t *testing.T) {
	assert.Equal(t, compress.Gzip, compress.Negotiate("gzip, deflate", true))
	assert.Equal(t, compress.Deflate, compress.Negotiate("deflate", true))
	assert.Equal(t, compress.Identity, compress.Negotiate("br", true))
	assert.Equal(t, compress.Identity, compress.Negotiate("gzip", false))
}

func TestGzipRoundTrip(t *testing.T) {
	body := []byte("hello world, this is a test payload")
	compressed, err := compress.Compress(compress.Gzip, body)
	require.NoError(t, err)
	assert.NotEqual(t, body, compressed)

	out, err := compress.Decompress(compress.Gzip, compressed)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestDeflateRoundTrip(t *testing.T) {
	body := []byte("another payload for deflate round-tripping")
	compressed, err := compress.Compress(compress.Deflate, body)
	require.NoError(t, err)

	out, err := compress.Decompress(compress.Deflate, compressed)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestIdentityIsPassthrough(t *testing.T) {
	body := []byte("unchanged")
	out, err := compress.Compress(compress.Identity, body)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}
