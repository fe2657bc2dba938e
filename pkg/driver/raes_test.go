package driver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	truevfs "github.com/valenpo/truevfs/pkg"
)

func TestRaesRoundTrip(t *testing.T) {
	plaintext := []byte("attack at dawn")
	for _, strength := range []KeyStrength{KeyStrength128, KeyStrength192, KeyStrength256} {
		sealed, err := EncryptRaes(plaintext, "correct horse", strength)
		require.NoError(t, err)
		assert.Equal(t, "RAES", string(sealed[:4]))

		got, err := DecryptRaes(sealed, "correct horse")
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestRaesEmptyPayload(t *testing.T) {
	sealed, err := EncryptRaes(nil, "k", KeyStrength256)
	require.NoError(t, err)
	got, err := DecryptRaes(sealed, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRaesWrongPassphrase(t *testing.T) {
	sealed, err := EncryptRaes([]byte("secret"), "right", KeyStrength256)
	require.NoError(t, err)
	_, err = DecryptRaes(sealed, "wrong")
	assert.ErrorIs(t, err, truevfs.ErrBadKey)
}

func TestRaesTamperDetected(t *testing.T) {
	sealed, err := EncryptRaes([]byte("secret"), "k", KeyStrength128)
	require.NoError(t, err)
	tampered := bytes.Clone(sealed)
	tampered[len(tampered)/2] ^= 0xff
	_, err = DecryptRaes(tampered, "k")
	assert.ErrorIs(t, err, truevfs.ErrBadKey)
}

func TestRaesCorruptEnvelope(t *testing.T) {
	_, err := DecryptRaes([]byte("notraes"), "k")
	assert.ErrorIs(t, err, truevfs.ErrCorruptArchive)

	sealed, err := EncryptRaes([]byte("secret"), "k", KeyStrength256)
	require.NoError(t, err)
	_, err = DecryptRaes(sealed[:20], "k")
	assert.ErrorIs(t, err, truevfs.ErrCorruptArchive)
}

func TestStaticKeyProvider(t *testing.T) {
	mp, err := truevfs.ParseMountPoint("tzp:file:/tmp/vault.tzp!/")
	require.NoError(t, err)

	p := NewStaticKeyProvider(truevfs.KeyConfig{
		Passphrase: "fallback",
		Passphrases: []truevfs.PassphraseEntry{
			{MountPoint: "tzp:file:/tmp/vault.tzp!/", Passphrase: "specific"},
		},
	})
	passphrase, err := p.Passphrase(mp)
	require.NoError(t, err)
	assert.Equal(t, "specific", passphrase)

	other, err := truevfs.ParseMountPoint("tzp:file:/tmp/other.tzp!/")
	require.NoError(t, err)
	passphrase, err = p.Passphrase(other)
	require.NoError(t, err)
	assert.Equal(t, "fallback", passphrase)

	empty := NewStaticKeyProvider(truevfs.KeyConfig{})
	_, err = empty.Passphrase(other)
	assert.ErrorIs(t, err, truevfs.ErrBadKey)

	empty.SetPassphrase(other, "now set")
	passphrase, err = empty.Passphrase(other)
	require.NoError(t, err)
	assert.Equal(t, "now set", passphrase)
}
