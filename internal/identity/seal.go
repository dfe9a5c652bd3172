package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedVersion    = 1
)

// sealedSeed is the stored form of a password-protected seed.
type sealedSeed struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SealSeed encrypts seed with a key derived from password
// (PBKDF2-HMAC-SHA256, AES-256-GCM) and returns the JSON blob to store.
func SealSeed(seed []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("identity: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: generating salt: %w", err)
	}
	gcm, err := seedCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: generating nonce: %w", err)
	}

	return json.Marshal(sealedSeed{
		Version:    sealedVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, seed, nil)),
	})
}

// OpenSeed reverses SealSeed.
func OpenSeed(blob []byte, password string) ([]byte, error) {
	var s sealedSeed
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("identity: parsing sealed seed: %w", err)
	}
	if s.Version != sealedVersion {
		return nil, fmt.Errorf("identity: unsupported sealed seed version %d", s.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding ciphertext: %w", err)
	}
	gcm, err := seedCipher(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("identity: nonce has %d bytes", len(nonce))
	}
	seed, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("identity: wrong password or corrupted seed")
	}
	return seed, nil
}

func seedCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: creating GCM: %w", err)
	}
	return gcm, nil
}
