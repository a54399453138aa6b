// Package cryptosig implements SwarmOS's signature scheme: secp256k1
// ECDSA over the Keccak-256 hash of an EIP-191-prefixed canonical
// message, with 65-byte r||s||v recoverable signatures.
package cryptosig

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Address is a lowercase-hex, unprefixed identity derived from a public
// key: the last 20 bytes of Keccak256(pubkey.X || pubkey.Y), matching the
// teacher's account-address derivation.
type Address string

// SignatureLength is the canonical r(32) || s(32) || v(1) encoding.
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("cryptosig: signature must be 65 bytes")
	ErrInvalidRecoveryID      = errors.New("cryptosig: recovery id must be 0 or 1")
)

// Keccak256 hashes data with the same primitive Ethereum-family chains use
// to key addresses; SwarmOS reuses it only for the signature digest.
// Receipt and Merkle hashing use SHA-256 instead — a deliberately
// distinct hash function for a deliberately distinct purpose.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// personalSignHash reproduces the EIP-191 "personal_sign" prefix:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func personalSignHash(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return Keccak256([]byte(prefix), message)
}

// GenerateKey creates a new secp256k1 keypair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return key.ToECDSA(), nil
}

// Sign produces a 65-byte r||s||v signature over the personal-sign digest
// of message.
func Sign(message []byte, priv *ecdsa.PrivateKey) []byte {
	digest := personalSignHash(message)
	btcPriv, _ := btcec.PrivKeyFromBytes(priv.D.Bytes())
	sig, _ := btcecdsa.SignCompact(btcPriv, digest, false)
	// btcec's SignCompact returns [recovery_id+27, r, s]; SwarmOS's wire
	// format is the commonly-used r||s||v layout instead.
	out := make([]byte, SignatureLength)
	copy(out[0:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = sig[0] - 27
	return out
}

// RecoverAddress recovers the signer address from a message and its
// signature. It returns ErrInvalidSignatureLength/ErrInvalidRecoveryID on
// malformed input rather than panicking, since this path is reachable
// directly from untrusted request bodies.
func RecoverAddress(message, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return "", ErrInvalidSignatureLength
	}
	v := sig[64]
	if v > 1 {
		return "", ErrInvalidRecoveryID
	}

	compact := make([]byte, SignatureLength)
	compact[0] = v + 27
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	digest := personalSignHash(message)
	pub, _, err := btcecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", fmt.Errorf("cryptosig: recover failed: %w", err)
	}
	return PubkeyToAddress(pub), nil
}

// Verify reports whether sig over message recovers to want.
func Verify(message, sig []byte, want Address) bool {
	got, err := RecoverAddress(message, sig)
	if err != nil {
		return false
	}
	return got == want
}

// PubkeyToAddress derives the 20-byte address from an uncompressed
// public key, hex-encoded lowercase and unprefixed.
func PubkeyToAddress(pub *btcec.PublicKey) Address {
	raw := pub.SerializeUncompressed()[1:] // drop the 0x04 prefix
	hash := Keccak256(raw)
	return Address(hex.EncodeToString(hash[12:]))
}

// AddressFromPrivateKey derives the address a key will sign as, for
// callers (worker agents, clients) that hold a private key and need to
// know their own bound identity.
func AddressFromPrivateKey(priv *ecdsa.PrivateKey) Address {
	_, pub := btcec.PrivKeyFromBytes(priv.D.Bytes())
	return PubkeyToAddress(pub)
}
