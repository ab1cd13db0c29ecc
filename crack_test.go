package unlockexcel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crackableRecord(t *testing.T, password string) *ProtectionRecord {
	t.Helper()
	salt := []byte("fixed test salt!")
	require.Len(t, salt, MODERN_SALT_LEN)
	digest, err := DigestFor(SCHEME_MODERN, salt, 100, password)
	require.NoError(t, err)
	return &ProtectionRecord{
		Scheme: SCHEME_MODERN,
		Flags:  PROTECT_ALL,
		Spins:  100,
		Salt:   salt,
		Digest: digest,
	}
}

func TestCrackFindsPassword(t *testing.T) {
	record := crackableRecord(t, "secret1")
	password, ok := Crack(record, SliceCandidates([]string{"alpha", "secret1", "beta"}))
	assert.True(t, ok)
	assert.Equal(t, "secret1", password)
}

func TestCrackExhaustsList(t *testing.T) {
	record := crackableRecord(t, "not-in-the-list")
	password, ok := Crack(record, SliceCandidates([]string{"alpha", "beta", "gamma"}))
	assert.False(t, ok)
	assert.Equal(t, "", password)
}

func TestCrackEmptyList(t *testing.T) {
	record := crackableRecord(t, "anything")
	_, ok := Crack(record, SliceCandidates(nil))
	assert.False(t, ok)
}

func TestSliceCandidatesOrder(t *testing.T) {
	next := SliceCandidates([]string{"a", "b"})
	word, ok := next()
	assert.True(t, ok)
	assert.Equal(t, "a", word)
	word, ok = next()
	assert.True(t, ok)
	assert.Equal(t, "b", word)
	_, ok = next()
	assert.False(t, ok)
}

func TestCrackParallel(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = fmt.Sprintf("candidate%03d", i)
	}
	words[97] = "secret1"
	record := crackableRecord(t, "secret1")

	for _, workers := range []int{1, 2, 8} {
		password, ok := CrackParallel(record, words, workers)
		assert.True(t, ok, "workers=%v", workers)
		assert.Equal(t, "secret1", password, "workers=%v", workers)
	}
}

func TestCrackParallelExhaustsList(t *testing.T) {
	words := make([]string, 50)
	for i := range words {
		words[i] = fmt.Sprintf("candidate%03d", i)
	}
	record := crackableRecord(t, "not-in-the-list")

	password, ok := CrackParallel(record, words, 4)
	assert.False(t, ok)
	assert.Equal(t, "", password)
}

func TestCrackParallelLegacy(t *testing.T) {
	// Hand-verified distinct check values: "" -> CE4B, "A" -> CEC8,
	// "B" -> CECE. Only "A" can win.
	record := &ProtectionRecord{
		Scheme: SCHEME_LEGACY,
		Flags:  PROTECT_VBE,
		Digest: []byte{0xC8, 0xCE},
	}
	password, ok := CrackParallel(record, []string{"", "B", "A"}, 4)
	assert.True(t, ok)
	assert.Equal(t, "A", password)
}
