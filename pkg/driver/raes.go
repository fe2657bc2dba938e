package driver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	truevfs "github.com/valenpo/truevfs/pkg"
)

// RAES is an authenticated encryption envelope for archive payloads.
// The layout round-trips bit exactly:
//
//	offset  size      field
//	0       4         signature "RAES"
//	4       1         envelope type, 0
//	5       1         key strength: 0 = AES-128, 1 = AES-192, 2 = AES-256
//	6       2         PBKDF2 iterations / 1024, little endian
//	8       16        CTR initialization vector
//	24      keyLen    salt
//	...     n         AES-CTR ciphertext
//	end-32  32        HMAC-SHA256 over everything before it
//
// The PBKDF2-SHA256 output is cipher key || MAC key. A MAC mismatch is
// indistinguishable from a wrong passphrase and reported as a bad key.

var raesSignature = [4]byte{'R', 'A', 'E', 'S'}

const (
	raesType0          byte = 0
	raesIVLen               = 16
	raesMacLen              = sha256.Size
	raesKiloIterations      = 64 // 65536 PBKDF2 rounds
)

// KeyStrength selects the AES key length.
type KeyStrength byte

const (
	KeyStrength128 KeyStrength = iota
	KeyStrength192
	KeyStrength256
)

func (s KeyStrength) keyLen() int {
	switch s {
	case KeyStrength128:
		return 16
	case KeyStrength192:
		return 24
	default:
		return 32
	}
}

func raesDeriveKeys(passphrase string, salt []byte, kiloIterations int, strength KeyStrength) (cipherKey, macKey []byte) {
	keyLen := strength.keyLen()
	derived := pbkdf2.Key([]byte(passphrase), salt, kiloIterations*1024, keyLen+raesMacLen, sha256.New)
	return derived[:keyLen], derived[keyLen:]
}

// EncryptRaes seals plaintext under the passphrase.
func EncryptRaes(plaintext []byte, passphrase string, strength KeyStrength) ([]byte, error) {
	keyLen := strength.keyLen()
	header := make([]byte, 8+raesIVLen+keyLen)
	copy(header, raesSignature[:])
	header[4] = raesType0
	header[5] = byte(strength)
	binary.LittleEndian.PutUint16(header[6:8], uint16(raesKiloIterations))
	iv := header[8 : 8+raesIVLen]
	salt := header[8+raesIVLen:]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	cipherKey, macKey := raesDeriveKeys(passphrase, salt, raesKiloIterations, strength)
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(header)+len(plaintext)+raesMacLen)
	copy(out, header)
	cipher.NewCTR(block, iv).XORKeyStream(out[len(header):len(header)+len(plaintext)], plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out[:len(header)+len(plaintext)])
	copy(out[len(header)+len(plaintext):], mac.Sum(nil))
	return out, nil
}

// DecryptRaes opens a RAES envelope.
func DecryptRaes(data []byte, passphrase string) ([]byte, error) {
	if len(data) < 8+raesIVLen || string(data[:4]) != string(raesSignature[:]) {
		return nil, fmt.Errorf("no RAES envelope: %w", truevfs.ErrCorruptArchive)
	}
	if data[4] != raesType0 {
		return nil, fmt.Errorf("unsupported RAES envelope type %d: %w", data[4], truevfs.ErrCorruptArchive)
	}
	strength := KeyStrength(data[5])
	if strength > KeyStrength256 {
		return nil, fmt.Errorf("invalid RAES key strength %d: %w", data[5], truevfs.ErrCorruptArchive)
	}
	kiloIterations := int(binary.LittleEndian.Uint16(data[6:8]))
	keyLen := strength.keyLen()
	headerLen := 8 + raesIVLen + keyLen
	if len(data) < headerLen+raesMacLen {
		return nil, fmt.Errorf("truncated RAES envelope: %w", truevfs.ErrCorruptArchive)
	}
	iv := data[8 : 8+raesIVLen]
	salt := data[8+raesIVLen : headerLen]

	cipherKey, macKey := raesDeriveKeys(passphrase, salt, kiloIterations, strength)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(data[:len(data)-raesMacLen])
	if !hmac.Equal(mac.Sum(nil), data[len(data)-raesMacLen:]) {
		return nil, fmt.Errorf("MAC verification failed: %w", truevfs.ErrBadKey)
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	ciphertext := data[headerLen : len(data)-raesMacLen]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
