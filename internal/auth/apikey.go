package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is one configured client credential. Only the bcrypt hash is kept.
type APIKey struct {
	ID   string
	Hash string
}

// APIKeySet authorizes X-API-Key values. Successful comparisons are cached by
// SHA-256 digest so bcrypt runs once per key per process.
type APIKeySet struct {
	keys  []APIKey
	mu    sync.RWMutex
	known map[string]string
}

func NewAPIKeySet(keys []APIKey) (*APIKeySet, error) {
	for i, k := range keys {
		if strings.TrimSpace(k.ID) == "" {
			return nil, fmt.Errorf("api key %d: id is required", i)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %s: invalid bcrypt hash: %w", k.ID, err)
		}
	}
	return &APIKeySet{keys: keys, known: make(map[string]string)}, nil
}

// HashAPIKey produces the value to place in configuration for a raw key.
func HashAPIKey(raw string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash failed: %w", err)
	}
	return string(hash), nil
}

// Authorize returns the id of the key matching raw.
func (s *APIKeySet) Authorize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingHeader
	}
	digest := sha256.Sum256([]byte(raw))
	cacheKey := hex.EncodeToString(digest[:])

	s.mu.RLock()
	id, ok := s.known[cacheKey]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}
	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(raw)) == nil {
			s.mu.Lock()
			s.known[cacheKey] = k.ID
			s.mu.Unlock()
			return k.ID, nil
		}
	}
	return "", ErrInvalidAPIKey
}
