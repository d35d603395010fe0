package app

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/judgeledger/judgeledger/internal/config"
	machinecrypto "github.com/judgeledger/judgeledger/internal/crypto"
)

// LoadKeys returns the ledger signer and the extra public keys kept from
// earlier rotations.
func LoadKeys(cfg *config.Config) (*machinecrypto.Signer, []ed25519.PublicKey, error) {
	trusted, err := loadTrustedKeys(cfg.Keys.TrustedPublicKeyPaths)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Keys.Ephemeral {
		signer, err := machinecrypto.GenerateSigner()
		if err != nil {
			return nil, nil, err
		}
		return signer, trusted, nil
	}
	signer, err := machinecrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load signing keys: %w", err)
	}
	return signer, trusted, nil
}

// Keyring collects every public key a verifier should accept. It needs only
// public keys, so the audit tool never reads the private key.
func Keyring(cfg *config.Config) (*machinecrypto.Keyring, error) {
	ring, err := machinecrypto.LoadKeyring(append([]string{cfg.Keys.SigningPublicKeyPath}, cfg.Keys.TrustedPublicKeyPaths...)...)
	if err != nil {
		return nil, fmt.Errorf("load verification keys: %w", err)
	}
	return ring, nil
}

func loadTrustedKeys(paths []string) ([]ed25519.PublicKey, error) {
	out := make([]ed25519.PublicKey, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		buf, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", p, err)
		}
		pk, err := machinecrypto.ParsePublicKey(string(buf))
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", p, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
