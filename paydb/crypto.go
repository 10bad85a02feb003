package paydb

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Default scrypt parameters for password based key derivation, the
// interactive-login cost commonly recommended for scrypt.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	encryptionKeySize = 32
)

// Encrypter seals and opens whole container payloads. The store is cipher
// agnostic: it hands the encrypter the full plaintext and writes out
// whatever comes back, so hosts with their own key management can
// substitute their own implementation.
type Encrypter interface {
	// EncryptPayload encrypts the plaintext payload and writes the
	// resulting ciphertext to the passed writer.
	EncryptPayload(plaintext []byte, w io.Writer) error

	// DecryptPayload reads a ciphertext produced by EncryptPayload from
	// the passed reader and returns the recovered plaintext.
	DecryptPayload(r io.Reader) ([]byte, error)
}

// PasswordEncrypter is the default Encrypter: a XChaCha20-Poly1305 AEAD
// keyed by a scrypt derivation of the wallet password. A fresh 24-byte
// nonce is drawn for every payload and prepended to the ciphertext, also
// serving as the associated data so payloads can be decrypted without any
// additional context.
type PasswordEncrypter struct {
	encryptionKey []byte
}

// A compile time check to ensure PasswordEncrypter implements the Encrypter
// interface.
var _ Encrypter = (*PasswordEncrypter)(nil)

// NewPasswordEncrypter derives the payload encryption key from the wallet
// password and the per-wallet salt. Deriving the key once up front keeps
// the scrypt cost out of the flush path.
func NewPasswordEncrypter(password, salt []byte) (*PasswordEncrypter, error) {
	key, err := scrypt.Key(
		password, salt, scryptN, scryptR, scryptP, encryptionKeySize,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to derive encryption key: %w",
			err)
	}

	return &PasswordEncrypter{
		encryptionKey: key,
	}, nil
}

// EncryptPayload encrypts the plaintext payload and writes the nonce
// followed by the ciphertext to the passed writer.
func (p *PasswordEncrypter) EncryptPayload(plaintext []byte,
	w io.Writer) error {

	cipher, err := chacha20poly1305.NewX(p.encryptionKey)
	if err != nil {
		return err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	ciphertext := cipher.Seal(nil, nonce[:], plaintext, nonce[:])

	if _, err := w.Write(nonce[:]); err != nil {
		return err
	}
	_, err = w.Write(ciphertext)

	return err
}

// DecryptPayload reads the entire ciphertext from the passed reader,
// isolates the nonce and opens the AEAD. A wrong password or a tampered
// payload surfaces as an authentication error.
func (p *PasswordEncrypter) DecryptPayload(r io.Reader) ([]byte, error) {
	packed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(packed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("payload size too small, must be at "+
			"least %v bytes", chacha20poly1305.NonceSizeX)
	}

	nonce := packed[:chacha20poly1305.NonceSizeX]
	ciphertext := packed[chacha20poly1305.NonceSizeX:]

	cipher, err := chacha20poly1305.NewX(p.encryptionKey)
	if err != nil {
		return nil, err
	}

	return cipher.Open(nil, nonce, ciphertext, nonce)
}
