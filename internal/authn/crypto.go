// Package authn implements the HashAndSigningPrimitives contract of
// §6: SHA-256/CRC-32 hashing, HMAC-SHA256 with timing-safe compare, and
// ECDSA ES256 signing, grounded on internal/federation/crypto.go's
// nonce/challenge primitives (generalized from inter-instance handshake
// challenges to request signing and JWT verification). The HMAC
// envelope's rotation-grace-window handling follows
// internal/security.TokenBroker's current/previous-secret pattern.
package authn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"math/big"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CRC32 returns the IEEE CRC-32 checksum of data, matching the
// checksum algorithm walog.EventRecord uses for its integrity field.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// HMACSHA256Hex computes hex(HMAC-SHA256(data, secret)).
func HMACSHA256Hex(secret, data []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TimingSafeEqual wraps hmac.Equal so callers never reach for ==  on
// secrets or signatures.
func TimingSafeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// GenerateECDSASigningKey creates a new P-256 key for ES256 signing.
func GenerateECDSASigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// SignES256 signs the SHA-256 digest of data with priv, returning the
// raw (r||s) signature bytes ES256/JWS expects.
func SignES256(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("es256 sign: %w", err)
	}
	size := (priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

// VerifyES256 verifies a raw (r||s) ES256 signature over data.
func VerifyES256(pub *ecdsa.PublicKey, data, sig []byte) bool {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	digest := sha256.Sum256(data)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// ParseECDSAPublicKeyPEM decodes a PEM-encoded SubjectPublicKeyInfo
// block into an ECDSA public key.
func ParseECDSAPublicKeyPEM(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ECDSA")
	}
	return ecPub, nil
}
