package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/bcrypt"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()

	h, err := NewHasher(bcrypt.MinCost, 0)
	require.NoError(t, err)
	return h
}

func TestHashAndVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	hash, err := h.Hash("Tr0ub4dor&HorseStaple!")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.True(t, h.Verify("Tr0ub4dor&HorseStaple!", hash))
	require.False(t, h.Verify("Tr0ub4dor&HorseStaple?", hash))
}

func TestHashRejectsWeakPasswords(t *testing.T) {
	h := newTestHasher(t)

	cases := []struct {
		name     string
		password string
	}{
		{"too short", "Sh0rt!pw"},
		{"missing symbol", "NoSymbolsHere1234"},
		{"missing digit", "NoDigitsHere!okay"},
		{"missing upper", "no upper case 1! here"},
		{"repeated run", "Gooood#Enough77x"},
		{"forbidden fragment", "MyQwertyD4ys!ok"},
		{"sequential run", "Abcdwxyz#4499T"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Hash(tc.password)
			require.ErrorIs(t, err, ErrWeakPassword)
		})
	}
}

func TestHashRejectsUserContext(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.Hash("Carol#Finch9-box", "carol", "carol.finch@example.com")
	require.ErrorIs(t, err, ErrWeakPassword)

	// Short context fragments do not poison common letters.
	_, err = h.Hash("Vg7!mqs-Ruthko#p", "vg")
	require.NoError(t, err)
}

func TestVerifyToleratesMalformedHash(t *testing.T) {
	h := newTestHasher(t)

	require.False(t, h.Verify("anything-at-all!1A", ""))
	require.False(t, h.Verify("anything-at-all!1A", "not-a-bcrypt-hash"))
}

func TestVerifyHonorsLatencyFloor(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost, 30*time.Millisecond)
	require.NoError(t, err)

	hash, err := h.Hash("Tr0ub4dor&HorseStaple!")
	require.NoError(t, err)

	start := time.Now()
	h.Verify("wrong-guess-entirely!1A", hash)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestStrengthScore(t *testing.T) {
	require.Equal(t, 4, StrengthScore("Vg7!mqs-Ruthko#p"))
	require.Less(t, StrengthScore("aaaaaaaaaaaa"), 3)
	require.Less(t, StrengthScore("Abcdefgh1234!"), 4)
}

func TestCheckPolicyErrorNamesRule(t *testing.T) {
	err := CheckPolicy("short")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrWeakPassword))
	require.Contains(t, err.Error(), "at least 12")
}

func TestTemporaryPassword(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		pw, err := TemporaryPassword()
		require.NoError(t, err)
		require.Len(t, pw, 16)

		score := StrengthScore(pw)
		require.GreaterOrEqual(t, score, 3, "generated %q scored %d", pw, score)

		_, dup := seen[pw]
		require.False(t, dup, "duplicate temporary password %q", pw)
		seen[pw] = struct{}{}
	}
}
