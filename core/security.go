package core

// security.go – cryptographic primitives the fabric depends on.
//
// Exposes:
//   - Seal / Open            – AES-256-GCM authenticated encryption.
//   - GenerateKeypair        – RSA-4096, PEM serialised.
//   - AsymEncrypt / Decrypt  – RSA-OAEP with SHA-256 MGF1.
//   - SignBytes / VerifyBytes– RSA-PSS with SHA-256, max salt.
//   - HashHex / MerkleRoot   – SHA-256 and the canonical transaction tree.
//
// All crypto comes from the Go standard library.

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	symKeySize  = 32   // AES-256
	gcmIVSize   = 12   // 96-bit IV, fresh per seal
	gcmTagSize  = 16   // GCM authentication tag
	rsaKeyBits  = 4096 // asymmetric key size
	sealedAlgo  = "AES-256-GCM"
	zeroHash    = "0000000000000000000000000000000000000000000000000000000000000000"
	pemPrivType = "PRIVATE KEY"
	pemPubType  = "PUBLIC KEY"
)

//---------------------------------------------------------------------
// Symmetric
//---------------------------------------------------------------------

// GenerateSymmetricKey produces 32 uniformly random bytes from the OS CSPRNG.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, symKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: rng: %v", ErrCryptoUnavailable, err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with AES-256-GCM and a fresh 12-byte IV.
func Seal(plaintext, key []byte) (*SealedBlob, error) {
	if len(key) != symKeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes", symKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: rng: %v", ErrCryptoUnavailable, err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return &SealedBlob{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
		Algorithm:  sealedAlgo,
	}, nil
}

// Open authenticates and decrypts a blob produced by Seal. Any corruption of
// ciphertext, IV or tag yields ErrAuthFailure; partial plaintext is never
// returned.
func Open(blob *SealedBlob, key []byte) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: empty blob", ErrAuthFailure)
	}
	if blob.Algorithm != sealedAlgo {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrAuthFailure, blob.Algorithm)
	}
	ct, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding", ErrAuthFailure)
	}
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != gcmIVSize {
		return nil, fmt.Errorf("%w: iv encoding", ErrAuthFailure)
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: tag encoding", ErrAuthFailure)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tag mismatch", ErrAuthFailure)
	}
	return plaintext, nil
}

//---------------------------------------------------------------------
// Asymmetric
//---------------------------------------------------------------------

// GenerateKeypair produces an RSA-4096 keypair serialised as PEM
// (PKCS#8 private, SubjectPublicKeyInfo public).
func GenerateKeypair() (*Keypair, error) {
	return generateKeypair(rsaKeyBits)
}

func generateKeypair(bits int) (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: keygen: %v", ErrCryptoUnavailable, err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	kp := &Keypair{
		Private:    priv,
		Public:     &priv.PublicKey,
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: pemPrivType, Bytes: privDER})),
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: pemPubType, Bytes: pubDER})),
	}
	logrus.Debugf("generated RSA-%d keypair fp=%s", bits, Fingerprint(kp.PublicPEM))
	return kp, nil
}

// ParsePublicKey loads a SubjectPublicKeyInfo PEM public key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("parse public key: no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not RSA")
	}
	return pub, nil
}

// ParsePrivateKey loads a PKCS#8 PEM private key.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("parse private key: no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not RSA")
	}
	return priv, nil
}

// AsymEncrypt encrypts plaintext under an RSA public key with OAEP-SHA256.
// Input must fit in one RSA block; larger payloads are hybrid-encrypted with
// Seal and only the symmetric key travels through here.
func AsymEncrypt(plaintext []byte, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return hex.EncodeToString(ct), nil
}

// AsymDecrypt reverses AsymEncrypt.
func AsymDecrypt(ciphertextHex string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa decrypt", ErrAuthFailure)
	}
	return pt, nil
}

//---------------------------------------------------------------------
// Signatures
//---------------------------------------------------------------------

// SignBytes signs msg with RSA-PSS (SHA-256, MGF1-SHA-256, maximum salt) and
// returns the signature as lowercase hex.
func SignBytes(msg []byte, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyBytes checks an RSA-PSS signature. It never returns an error: any
// malformed input or mismatch reports false.
func VerifyBytes(msg []byte, sigHex string, pub *rsa.PublicKey) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

//---------------------------------------------------------------------
// Hashing & Merkle root
//---------------------------------------------------------------------

// HashHex returns the lowercase hex SHA-256 digest of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short SHA-256 fingerprint of PEM key material,
// suitable for log lines.
func Fingerprint(pemText string) string {
	return HashHex([]byte(pemText))[:16]
}

// MerkleRoot computes the Merkle root over an ordered transaction batch.
// Leaves are SHA-256 digests of each transaction's canonical JSON, kept as
// hex strings; pairs are concatenated left||right and re-hashed; an odd
// trailing leaf is duplicated. Empty input hashes the empty string. Order of
// transactions matters.
func MerkleRoot(txs []Transaction) string {
	if len(txs) == 0 {
		return HashHex(nil)
	}
	level := make([]string, len(txs))
	for i, tx := range txs {
		level[i] = HashHex(canonicalTxJSON(tx))
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, HashHex([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0]
}
