package cryptostore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := &Store{}
	s.Set("master-passphrase")

	for _, plaintext := range []string{"hunter2", "", "päßwörd ünïcode", strings.Repeat("x", 4096)} {
		blob, err := s.Encrypt(plaintext)
		require.NoError(t, err)
		require.True(t, IsEncrypted(blob))

		got, err := s.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptFreshIVPerCall(t *testing.T) {
	s := &Store{}
	s.Set("master-passphrase")

	a, err := s.Encrypt("same input")
	require.NoError(t, err)
	b, err := s.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptPassthroughForLegacyPlaintext(t *testing.T) {
	s := &Store{}
	s.Set("master-passphrase")

	// Anything that is not hex(iv):hex(tag):hex(ct) passes through
	// untouched, even while unlocked.
	for _, legacy := range []string{
		"plain-old-password",
		"a:b",
		"xx:yy:zz",
		"deadbeef:deadbeef:deadbeef", // wrong iv/tag lengths
		"",
	} {
		got, err := s.Decrypt(legacy)
		require.NoError(t, err)
		assert.Equal(t, legacy, got)
	}
}

func TestLockedOperationsFail(t *testing.T) {
	s := &Store{}

	_, err := s.Encrypt("secret")
	assert.ErrorIs(t, err, ErrLocked)

	unlocked := &Store{}
	unlocked.Set("pw")
	blob, err := unlocked.Encrypt("secret")
	require.NoError(t, err)

	// Decrypt of a well-formed blob needs the key.
	_, err = s.Decrypt(blob)
	assert.ErrorIs(t, err, ErrLocked)

	// Non-blob input never needs the key.
	got, err := s.Decrypt("legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", got)
}

func TestWrongPassphraseTagMismatch(t *testing.T) {
	a := &Store{}
	a.Set("correct horse")
	blob, err := a.Encrypt("secret")
	require.NoError(t, err)

	b := &Store{}
	b.Set("battery staple")
	_, err = b.Decrypt(blob)
	assert.ErrorIs(t, err, ErrAuthTagMismatch)
}

func TestTamperedCiphertextTagMismatch(t *testing.T) {
	s := &Store{}
	s.Set("pw")
	blob, err := s.Encrypt("secret payload")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	require.Len(t, parts, 3)
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)

	_, err = s.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrAuthTagMismatch)
}

func TestClearLocks(t *testing.T) {
	s := &Store{}
	s.Set("pw")
	require.True(t, s.Unlocked())
	s.Clear()
	require.False(t, s.Unlocked())

	_, err := s.Encrypt("secret")
	assert.ErrorIs(t, err, ErrLocked)
}
