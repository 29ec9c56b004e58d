package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)

	_, err = EncryptKey("nothex", "pw")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestLoadOperatorKeyFromRaw(t *testing.T) {
	key, addr, err := LoadOperatorKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.NotEqual(t, addr.Hex(), "0x0000000000000000000000000000000000000000")
}

func TestLoadOperatorKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, addr, err := LoadOperatorKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.NotNil(t, key)

	// Same key as raw resolution yields the same address.
	_, rawAddr, err := LoadOperatorKey(KeyConfig{RawPrivateKey: testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, rawAddr, addr)
}

func TestLoadOperatorKeyNoSource(t *testing.T) {
	_, _, err := LoadOperatorKey(KeyConfig{})
	assert.Error(t, err)
}
