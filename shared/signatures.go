package shared

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = 65

// SigningKeyPair represents a cryptographic ECDSA signing key pair for Ethereum-style signatures
type SigningKeyPair struct {
	PrivateKey *ecdsa.PrivateKey `json:"-"`
	PublicKey  *ecdsa.PublicKey  `json:"-"`
}

// GenerateSigningKeyPair generates a new ECDSA signing key pair using secp256k1 curve (ETH compatible)
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key pair: %v", err)
	}
	return NewSigningKeyPair(privateKey), nil
}

// NewSigningKeyPair wraps an existing private key
func NewSigningKeyPair(privateKey *ecdsa.PrivateKey) *SigningKeyPair {
	return &SigningKeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}
}

// SigningKeyPairFromHex parses a hex encoded private key, with or without 0x.
func SigningKeyPairFromHex(encoded string) (*SigningKeyPair, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %v", err)
	}
	return NewSigningKeyPair(privateKey), nil
}

// SignData signs the given data using Ethereum-style signatures
func (kp *SigningKeyPair) SignData(data []byte) ([]byte, error) {
	// Standard Ethereum message signing (includes prefix)
	hash := accounts.TextHash(data)

	// 65-byte signature with recovery ID
	signature, err := crypto.Sign(hash, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data with ETH style: %v", err)
	}

	return signature, nil
}

// GetEthAddress returns the Ethereum address for this key pair
func (kp *SigningKeyPair) GetEthAddress() common.Address {
	return crypto.PubkeyToAddress(*kp.PublicKey)
}

// CompressedPublicKey returns the 33-byte SEC1 encoding of the public key
func (kp *SigningKeyPair) CompressedPublicKey() []byte {
	return crypto.CompressPubkey(kp.PublicKey)
}

// PublicKeyHex returns the compressed public key as lowercase hex
func (kp *SigningKeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.CompressedPublicKey())
}

// VerifySignature verifies an Ethereum-style signature against the given data using a public key
func VerifySignature(data []byte, signature []byte, publicKey *ecdsa.PublicKey) error {
	if publicKey == nil {
		return fmt.Errorf("nil public key")
	}
	return VerifyEthSignature(data, signature, crypto.PubkeyToAddress(*publicKey))
}

// VerifyEthSignature verifies an Ethereum-style signature against the given data and address
func VerifyEthSignature(data []byte, signature []byte, expectedAddress common.Address) error {
	if len(signature) != SignatureLength {
		return fmt.Errorf("invalid ETH signature length: expected %d bytes, got %d", SignatureLength, len(signature))
	}
	// High-S twins recover the same key; only the low-S form is accepted.
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])
	if !crypto.ValidateSignatureValues(signature[64], r, s, true) {
		return fmt.Errorf("non-canonical ETH signature")
	}

	hash := accounts.TextHash(data)

	recoveredPubKey, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return fmt.Errorf("failed to recover public key from signature: %v", err)
	}

	recoveredAddress := crypto.PubkeyToAddress(*recoveredPubKey)
	if recoveredAddress != expectedAddress {
		return fmt.Errorf("signature verification failed: expected address %s, got %s",
			expectedAddress.Hex(), recoveredAddress.Hex())
	}

	return nil
}

// ParsePublicKey accepts a compressed (33 byte) or uncompressed (65 byte)
// secp256k1 public key, hex encoded with or without 0x.
func ParsePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %v", err)
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes decodes a compressed or uncompressed public key
func PublicKeyFromBytes(raw []byte) (*ecdsa.PublicKey, error) {
	switch len(raw) {
	case 33:
		return crypto.DecompressPubkey(raw)
	case 65:
		return crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("unexpected public key length %d", len(raw))
	}
}

// GetEthAddress returns the Ethereum address for a given public key
func GetEthAddress(publicKey *ecdsa.PublicKey) common.Address {
	return crypto.PubkeyToAddress(*publicKey)
}
