package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsStable(t *testing.T) {
	t.Parallel()

	a := Sum([]byte("payload"))
	b := Sum([]byte("payload"))
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c := Sum([]byte("other payload"))
	require.NotEqual(t, a, c)
}

func TestSumMatchesKnownDigest(t *testing.T) {
	t.Parallel()

	// echo -n hello | sha256sum
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Sum([]byte("hello")))
}
