package framepool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kizuna/internal/core/domain"
)

func testPool() *Pool {
	return New(Config{RawDepth: 2, EncodedDepth: 2, MaxWidth: 640, MaxHeight: 480})
}

func TestAcquireRawExhaustion(t *testing.T) {
	p := testPool()

	a, err := p.AcquireRaw(640, 480, domain.FormatYUV420)
	require.NoError(t, err)
	_, err = p.AcquireRaw(640, 480, domain.FormatYUV420)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.LiveRaw())

	_, err = p.AcquireRaw(640, 480, domain.FormatYUV420)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	a.Release()
	assert.Equal(t, int64(1), p.LiveRaw())
	_, err = p.AcquireRaw(640, 480, domain.FormatYUV420)
	require.NoError(t, err)
}

func TestAcquireRawSizedForGeometry(t *testing.T) {
	p := testPool()
	f, err := p.AcquireRaw(320, 240, domain.FormatYUV420)
	require.NoError(t, err)
	assert.Len(t, f.Data, domain.FormatYUV420.BytesPerFrame(320, 240))
	f.Release()
}

func TestAcquireRawOversized(t *testing.T) {
	p := testPool()
	_, err := p.AcquireRaw(4096, 2160, domain.FormatRGB24)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestAcquireEncodedRecycles(t *testing.T) {
	p := testPool()

	buf, release, err := p.AcquireEncoded(1024)
	require.NoError(t, err)
	assert.Len(t, buf, 1024)
	assert.Equal(t, int64(1), p.LiveEncoded())

	_, release2, err := p.AcquireEncoded(1024)
	require.NoError(t, err)
	_, _, err = p.AcquireEncoded(1024)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	release()
	release2()
	assert.Equal(t, int64(0), p.LiveEncoded())
}
