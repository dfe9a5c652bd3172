// Package identity derives a node's stable network identity from a 32-byte
// seed kept in the ledger store.
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	// SeedKey is the ledger key the seed is stored under.
	SeedKey = "rpc-seed"
	// SeedSize is the seed length in bytes.
	SeedSize = 32

	hkdfInfo = "auctionmesh/identity/v1"
	// maxDeriveAttempts bounds how many HKDF blocks are tried before giving
	// up on finding a valid secp256k1 scalar.
	maxDeriveAttempts = 8
)

// LoadOrCreateSeed returns the seed stored under key, generating and storing
// a fresh random one on first start. When password is non-empty the stored
// value is sealed with it.
func LoadOrCreateSeed(ctx context.Context, store domain.LedgerStore, key, password string) ([]byte, error) {
	raw, err := store.Get(ctx, key)
	switch {
	case err == nil:
		seed := raw
		if password != "" {
			if seed, err = OpenSeed(raw, password); err != nil {
				return nil, err
			}
		}
		if len(seed) != SeedSize {
			return nil, fmt.Errorf("identity: stored seed has %d bytes, want %d", len(seed), SeedSize)
		}
		return seed, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("identity: load seed: %w", err)
	}

	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generating seed: %w", err)
	}
	stored := seed
	if password != "" {
		if stored, err = SealSeed(seed, password); err != nil {
			return nil, err
		}
	}
	if err := store.Put(ctx, key, stored); err != nil {
		return nil, fmt.Errorf("identity: store seed: %w", err)
	}
	return seed, nil
}

// Identity is a secp256k1 key pair derived from a seed.
type Identity struct {
	key    *ecdsa.PrivateKey
	pubHex string
}

// FromSeed deterministically derives an Identity from seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity: seed has %d bytes, want %d", len(seed), SeedSize)
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfo))
	buf := make([]byte, 32)
	for i := 0; i < maxDeriveAttempts; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("identity: hkdf: %w", err)
		}
		key, err := ethcrypto.ToECDSA(buf)
		if err != nil {
			continue
		}
		return &Identity{
			key:    key,
			pubHex: hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey)),
		}, nil
	}
	return nil, errors.New("identity: no valid key derived from seed")
}

// PublicKeyHex is the hex-encoded compressed public key peers address this
// node by.
func (id *Identity) PublicKeyHex() string { return id.pubHex }

// Address is the Ethereum-style address of the public key, used in logs.
func (id *Identity) Address() common.Address {
	return ethcrypto.PubkeyToAddress(id.key.PublicKey)
}

// Sign returns a 65-byte recoverable signature over keccak256(msg).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(msg), id.key)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// Verify checks that sig is a signature over keccak256(msg) by the key whose
// hex-encoded public key is pubHex. Failures wrap domain.ErrHandshake.
func Verify(pubHex string, msg, sig []byte) error {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return fmt.Errorf("identity: public key hex: %w", errors.Join(domain.ErrHandshake, err))
	}
	if _, err := ethcrypto.DecompressPubkey(pub); err != nil {
		if _, uerr := ethcrypto.UnmarshalPubkey(pub); uerr != nil {
			return fmt.Errorf("identity: public key: %w", errors.Join(domain.ErrHandshake, err))
		}
	}
	if len(sig) < 64 {
		return fmt.Errorf("identity: signature has %d bytes: %w", len(sig), domain.ErrHandshake)
	}
	if !ethcrypto.VerifySignature(pub, ethcrypto.Keccak256(msg), sig[:64]) {
		return fmt.Errorf("identity: signature mismatch: %w", domain.ErrHandshake)
	}
	return nil
}
