package gitlib_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devpulse/devpulse/internal/gitlib"
)

func TestHashRoundTrip(t *testing.T) {
	t.Parallel()

	const hex = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

	h := gitlib.NewHash(hex)

	assert.Equal(t, hex, h.String())
	assert.Equal(t, "a94a8fe", h.Short())
	assert.False(t, h.IsZero())
}

func TestHashOidConversion(t *testing.T) {
	t.Parallel()

	h := gitlib.NewHash("a94a8fe5ccb19ba61c4c0873d391e987982fbbd3")

	assert.Equal(t, h, gitlib.HashFromOid(h.ToOid()))
}

func TestZeroHash(t *testing.T) {
	t.Parallel()

	assert.True(t, gitlib.ZeroHash().IsZero())
	assert.Equal(t, "0000000000000000000000000000000000000000", gitlib.ZeroHash().String())
}

func TestNewHashUppercase(t *testing.T) {
	t.Parallel()

	upper := gitlib.NewHash("A94A8FE5CCB19BA61C4C0873D391E987982FBBD3")
	lower := gitlib.NewHash("a94a8fe5ccb19ba61c4c0873d391e987982fbbd3")

	assert.Equal(t, lower, upper)
}
