package vault

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewFromHex(testKey)
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plaintext := range []string{"live_123456_abcdef", "", "ключ-с-юникодом", strings.Repeat("x", 4096)} {
		sealed, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		opened, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestEncryptFormat(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Encrypt("secret-key")
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 3)

	iv, err := hex.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Len(t, iv, 16)

	tag, err := hex.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, tag, 16)

	ct, err := hex.DecodeString(parts[2])
	require.NoError(t, err)
	assert.Len(t, ct, len("secret-key"))
	assert.Equal(t, strings.ToLower(sealed), sealed)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Encrypt("same")
	require.NoError(t, err)
	second, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt("secret-key")
	require.NoError(t, err)
	parts := strings.Split(sealed, ":")

	flip := func(segment string) string {
		b := []byte(segment)
		if b[0] == '0' {
			b[0] = '1'
		} else {
			b[0] = '0'
		}
		return string(b)
	}

	cases := map[string]string{
		"two segments":       parts[0] + ":" + parts[1],
		"four segments":      sealed + ":00",
		"bad iv hex":         "zz" + parts[0][2:] + ":" + parts[1] + ":" + parts[2],
		"bad tag hex":        parts[0] + ":" + "zz" + parts[1][2:] + ":" + parts[2],
		"bad ct hex":         parts[0] + ":" + parts[1] + ":" + "z",
		"short iv":           parts[0][:24] + ":" + parts[1] + ":" + parts[2],
		"short tag":          parts[0] + ":" + parts[1][:24] + ":" + parts[2],
		"tampered payload":   parts[0] + ":" + parts[1] + ":" + flip(parts[2]),
		"tampered tag":       parts[0] + ":" + flip(parts[1]) + ":" + parts[2],
		"tampered iv":        flip(parts[0]) + ":" + parts[1] + ":" + parts[2],
		"empty input":        "",
		"swapped iv and tag": parts[1] + ":" + parts[0] + ":" + parts[2],
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(input)
			require.Error(t, err)
			var decErr *DecryptionError
			assert.True(t, errors.As(err, &decErr), "expected DecryptionError, got %T", err)
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt("secret-key")
	require.NoError(t, err)

	other, err := NewFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.NotContains(t, err.Error(), "secret-key")
}

func TestNewFromHexValidatesKey(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"too short": testKey[:62],
		"too long":  testKey + "00",
		"not hex":   strings.Repeat("zz", 32),
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewFromHex(key)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		t.Setenv(KeyEnv, "")
		_, err := NewFromEnv()
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), KeyEnv)
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv(KeyEnv, testKey)
		v, err := NewFromEnv()
		require.NoError(t, err)

		sealed, err := v.Encrypt("abc")
		require.NoError(t, err)
		other := newTestVault(t)
		opened, err := other.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "abc", opened)
	})
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, 64)

	_, err = NewFromHex(key)
	require.NoError(t, err)
}
