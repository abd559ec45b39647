package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"entgldb/internal/errs"
)

// Cipher wraps one direction's key (send or receive) with the wire format
// matching its Profile. Grounded on
// _examples/MaxIOFS-MaxIOFS/pkg/encryption/encryption.go's aesGCMEncryptor
// (random IV per message, AES-256-GCM) — generalized here with a second,
// legacy profile (AES-256-CBC + HMAC-SHA256) for peers that haven't
// upgraded, per spec §4.10.
type Cipher struct {
	profile Profile
	key     []byte // 32 bytes, AES-256
}

// NewCipher validates key length and returns a Cipher for profile.
func NewCipher(profile Profile, key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errs.New(errs.CryptoError, "NewCipher", fmt.Errorf("key must be 32 bytes, got %d", len(key)))
	}
	return &Cipher{profile: profile, key: key}, nil
}

// Seal encrypts plaintext into a self-contained envelope (the nonce/IV is
// prefixed to the returned bytes; the GCM tag or HMAC is appended).
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c.profile == LegacyCBCHMACProfile {
		return c.sealCBCHMAC(plaintext)
	}
	return c.sealGCM(plaintext)
}

// Open decrypts an envelope produced by Seal, verifying its integrity tag.
func (c *Cipher) Open(envelope []byte) ([]byte, error) {
	if c.profile == LegacyCBCHMACProfile {
		return c.openCBCHMAC(envelope)
	}
	return c.openGCM(envelope)
}

func (c *Cipher) sealGCM(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.sealGCM", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.sealGCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.sealGCM.nonce", err)
	}
	out := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, out...), nil
}

func (c *Cipher) openGCM(envelope []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.openGCM", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.openGCM", err)
	}
	if len(envelope) < gcm.NonceSize() {
		return nil, errs.New(errs.CryptoError, "Cipher.openGCM", fmt.Errorf("envelope too short"))
	}
	nonce, ciphertext := envelope[:gcm.NonceSize()], envelope[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.openGCM.decrypt", err)
	}
	return plaintext, nil
}

// sealCBCHMAC: IV (16) || ciphertext || HMAC-SHA256(IV||ciphertext) (32).
// PKCS#7 padding brings plaintext to a block-size multiple.
func (c *Cipher) sealCBCHMAC(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.sealCBCHMAC", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.sealCBCHMAC.iv", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, c.key)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

func (c *Cipher) openCBCHMAC(envelope []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "Cipher.openCBCHMAC", err)
	}
	blockSize := block.BlockSize()
	const tagSize = sha256.Size
	if len(envelope) < blockSize+tagSize {
		return nil, errs.New(errs.CryptoError, "Cipher.openCBCHMAC", fmt.Errorf("envelope too short"))
	}

	iv := envelope[:blockSize]
	ciphertext := envelope[blockSize : len(envelope)-tagSize]
	tag := envelope[len(envelope)-tagSize:]

	mac := hmac.New(sha256.New, c.key)
	mac.Write(iv)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errs.New(errs.CryptoError, "Cipher.openCBCHMAC", fmt.Errorf("HMAC verification failed"))
	}
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, errs.New(errs.CryptoError, "Cipher.openCBCHMAC", fmt.Errorf("invalid ciphertext length"))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.CryptoError, "pkcs7Unpad", fmt.Errorf("empty data"))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errs.New(errs.CryptoError, "pkcs7Unpad", fmt.Errorf("invalid padding"))
	}
	return data[:len(data)-padLen], nil
}
