package crypt

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContentKey(t *testing.T) {
	k1, err := GenerateContentKey()
	require.NoError(t, err)
	k2, err := GenerateContentKey()
	require.NoError(t, err)
	assert.Len(t, k1.Key, KeySize)
	assert.Len(t, k1.IV, NonceSize)
	assert.NoError(t, k1.Validate())
	assert.NotEqual(t, k1.Key, k2.Key, "keys must never repeat")
	assert.NotEqual(t, k1.IV, k2.IV, "nonces must never repeat")
}

func TestGenerateContentKeyShortRead(t *testing.T) {
	_, err := generateContentKey(bytes.NewReader(make([]byte, KeySize)))
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	ck, err := GenerateContentKey()
	require.NoError(t, err)
	other, err := GenerateContentKey()
	require.NoError(t, err)
	plaintext := []byte("the quarterly numbers")
	ct, err := Encrypt(plaintext, ck.Key, ck.IV)
	require.NoError(t, err)
	assert.Len(t, ct, len(plaintext)+16, "ciphertext carries a 16 byte tag")

	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xff

	tcs := []struct {
		name   string
		ct     []byte
		key    []byte
		iv     []byte
		expErr error
	}{
		{name: "HappyCase", ct: ct, key: ck.Key, iv: ck.IV},
		{name: "WrongKey", ct: ct, key: other.Key, iv: ck.IV, expErr: ErrAuthentication},
		{name: "WrongIV", ct: ct, key: ck.Key, iv: other.IV, expErr: ErrAuthentication},
		{name: "TamperedCiphertext", ct: tampered, key: ck.Key, iv: ck.IV, expErr: ErrAuthentication},
		{name: "Truncated", ct: ct[:10], key: ck.Key, iv: ck.IV, expErr: ErrAuthentication},
		{name: "ShortKey", ct: ct, key: ck.Key[:16], iv: ck.IV, expErr: ErrInvalidKey},
		{name: "ShortIV", ct: ct, key: ck.Key, iv: ck.IV[:8], expErr: ErrInvalidKey},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			pt, err := Decrypt(c.ct, c.key, c.iv)
			if c.expErr != nil {
				assert.Equal(t, c.expErr, err)
				assert.Nil(t, pt, "failed decryption must not leak plaintext")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, plaintext, pt)
		})
	}
}

func TestContentKeySealOpen(t *testing.T) {
	ck, err := GenerateContentKey()
	require.NoError(t, err)
	ct, err := ck.Seal([]byte("hi"))
	require.NoError(t, err)
	pt, err := ck.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))

	ck.Zero()
	assert.Equal(t, make([]byte, KeySize), ck.Key)
}

func TestContentKeyJSON(t *testing.T) {
	ck := &ContentKey{Key: bytes.Repeat([]byte{1}, KeySize), IV: bytes.Repeat([]byte{2}, NonceSize)}
	b, err := json.Marshal(ck)
	require.NoError(t, err)
	m := map[string]string{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "key")
	assert.Contains(t, m, "iv")
	var back ContentKey
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ck.Key, back.Key)
	assert.Equal(t, ck.IV, back.IV)
}
