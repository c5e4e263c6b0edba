package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecrypt_RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &key.PublicKey, []byte("s3cr3t-api-key"), nil)
	require.NoError(t, err)

	d := New(key)
	plaintext, err := d.Decrypt("connector.api_key", base64.StdEncoding.EncodeToString(ciphertext))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-api-key", plaintext)
}

func TestDecrypt_InvalidBase64(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	d := New(key)
	_, err = d.Decrypt("connector.api_key", "not-base64!!!")
	require.Error(t, err)
	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
}

func TestDecrypt_WrongKey(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &key1.PublicKey, []byte("secret"), nil)
	require.NoError(t, err)

	d := New(key2)
	_, err = d.Decrypt("k", base64.StdEncoding.EncodeToString(ciphertext))
	require.Error(t, err)
}
