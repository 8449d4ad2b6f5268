package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	secret := []byte("very$secure*passw0rd#")
	box, err := v.Seal(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, box)

	opened, err := v.Open(box)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestOpen_WrongVault(t *testing.T) {
	v1, err := New()
	require.NoError(t, err)
	v2, err := New()
	require.NoError(t, err)

	box, err := v1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = v2.Open(box)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpen_Tampered(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	box, err := v.Seal([]byte("secret"))
	require.NoError(t, err)
	box[len(box)-1] ^= 0x01

	_, err = v.Open(box)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpen_TooShort(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	_, err = v.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestZero(t *testing.T) {
	b := []byte("password")
	Zero(b)
	assert.Equal(t, make([]byte, len("password")), b)
}
