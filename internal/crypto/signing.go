package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// entryDomain prefixes every signed entry hash, so a ledger key can never be
// replayed to vouch for some other byte string that happens to look like one.
const entryDomain = "judgeledger/ledger-entry/v1\n"

var (
	ErrUnknownKey   = errors.New("unknown ledger key id")
	ErrBadSignature = errors.New("ledger signature does not verify")
)

// Signer issues ledger entry signatures. KeyID is recorded on every entry so
// verifiers can pick the matching public key after rotation.
type Signer struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	KeyID   string
}

func LoadSigner(privatePath, publicPath string) (*Signer, error) {
	priv, err := loadPrivateKey(privatePath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, errors.New("public key does not match private key")
	}
	return NewSigner(priv), nil
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{Private: priv, Public: pub, KeyID: KeyID(pub)}
}

// GenerateSigner creates an ephemeral key pair. Entries signed with it cannot
// be verified after the process exits; use only for local development.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewSigner(priv), nil
}

// SignEntry signs a ledger entry hash.
func (s *Signer) SignEntry(entryHash string) string {
	sig := ed25519.Sign(s.Private, entryMessage(entryHash))
	return base64.RawURLEncoding.EncodeToString(sig)
}

func entryMessage(entryHash string) []byte {
	return []byte(entryDomain + entryHash)
}

// KeyID derives a short stable identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(h[:8])
}

// Keyring holds every public key a verifier accepts, indexed by key id. The
// active key and keys retired by rotation live side by side.
type Keyring struct {
	keys map[string]ed25519.PublicKey
}

func NewKeyring(keys ...ed25519.PublicKey) *Keyring {
	r := &Keyring{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, pk := range keys {
		r.Add(pk)
	}
	return r
}

// LoadKeyring reads one public key per path. Empty paths are skipped.
func LoadKeyring(paths ...string) (*Keyring, error) {
	r := NewKeyring()
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		pk, err := loadPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		r.Add(pk)
	}
	return r, nil
}

// Add registers pub and returns its key id.
func (r *Keyring) Add(pub ed25519.PublicKey) string {
	id := KeyID(pub)
	r.keys[id] = pub
	return id
}

func (r *Keyring) Lookup(keyID string) (ed25519.PublicKey, bool) {
	pk, ok := r.keys[keyID]
	return pk, ok
}

func (r *Keyring) Len() int { return len(r.keys) }

// VerifyEntry checks signature over entryHash with the key named by keyID.
func (r *Keyring) VerifyEntry(keyID, entryHash, signature string) error {
	pub, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !ed25519.Verify(pub, entryMessage(entryHash), sig) {
		return ErrBadSignature
	}
	return nil
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	buf := strings.TrimSpace(encoded)
	if strings.HasPrefix(buf, "-----BEGIN") {
		block, _ := pem.Decode([]byte(buf))
		if block == nil {
			return nil, errors.New("invalid public key pem")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key pem: %w", err)
		}
		pk, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not ed25519")
		}
		return pk, nil
	}
	b, err := decodeLooseBase64(buf)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d invalid", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	data := strings.TrimSpace(string(buf))
	if strings.HasPrefix(data, "-----BEGIN") {
		block, _ := pem.Decode(buf)
		if block == nil {
			return nil, errors.New("invalid private key pem")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		pk, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not ed25519")
		}
		return pk, nil
	}
	b, err := decodeLooseBase64(data)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("private key length %d invalid", len(b))
	}
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(string(buf))
}

func decodeLooseBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	candidates := []func(string) ([]byte, error){
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.StdEncoding.DecodeString,
	}
	for _, fn := range candidates {
		if b, err := fn(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}
