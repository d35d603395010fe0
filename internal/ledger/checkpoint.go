package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	checkpointEmptyTag = []byte("judgeledger:checkpoint:empty:v1")
	checkpointNodeTag  = []byte("judgeledger:checkpoint:node:v1:")
)

// Checkpoint commits to a ledger prefix with a Merkle root over entry hashes,
// so auditors can compare a single value instead of replaying the chain.
type Checkpoint struct {
	Size     int64  `json:"size"`
	Root     string `json:"root"`
	HeadHash string `json:"head_hash,omitempty"`
}

func NewCheckpoint(entryHashes []string) (Checkpoint, error) {
	root, err := MerkleRoot(entryHashes)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Size: int64(len(entryHashes)), Root: root}
	if len(entryHashes) > 0 {
		cp.HeadHash = entryHashes[len(entryHashes)-1]
	}
	return cp, nil
}

type ProofStep struct {
	Left bool   `json:"left"`
	Hash string `json:"hash"`
}

type InclusionProof struct {
	Leaf     string      `json:"leaf"`
	Root     string      `json:"root"`
	Position int         `json:"position"`
	Size     int         `json:"size"`
	Path     []ProofStep `json:"path"`
}

func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		sum := sha256.Sum256(checkpointEmptyTag)
		return hex.EncodeToString(sum[:]), nil
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = foldLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

func ProveInclusion(leaves []string, position int) (InclusionProof, error) {
	if position < 0 || position >= len(leaves) {
		return InclusionProof{}, fmt.Errorf("position %d outside tree of %d", position, len(leaves))
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return InclusionProof{}, err
	}
	proof := InclusionProof{Leaf: leaves[position], Position: position, Size: len(leaves)}
	idx := position
	for len(level) > 1 {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx
		}
		proof.Path = append(proof.Path, ProofStep{Left: idx%2 == 1, Hash: hex.EncodeToString(level[sib])})
		level = foldLevel(level)
		idx /= 2
	}
	proof.Root = hex.EncodeToString(level[0])
	return proof, nil
}

func (p InclusionProof) Verify() (bool, error) {
	acc, err := hex.DecodeString(p.Leaf)
	if err != nil {
		return false, fmt.Errorf("decode leaf: %w", err)
	}
	for _, step := range p.Path {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, fmt.Errorf("decode proof step: %w", err)
		}
		if step.Left {
			acc = hashPair(sib, acc)
		} else {
			acc = hashPair(acc, sib)
		}
	}
	return hex.EncodeToString(acc) == p.Root, nil
}

func decodeLeaves(leaves []string) ([][]byte, error) {
	out := make([][]byte, 0, len(leaves))
	for i, leaf := range leaves {
		b, err := hex.DecodeString(leaf)
		if err != nil || len(b) != sha256.Size {
			return nil, errors.Join(fmt.Errorf("leaf %d is not a sha256 hex digest", i), err)
		}
		out = append(out, b)
	}
	return out, nil
}

// foldLevel pairs adjacent nodes; an odd trailing node is paired with itself.
func foldLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(checkpointNodeTag)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
