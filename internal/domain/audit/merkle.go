package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// DefaultAnchorBatchSize is the number of receipts batched into one
// Merkle anchor.
const DefaultAnchorBatchSize = 100

// MerkleTree is a binary hash tree over receipt hashes. Levels with an
// odd node count duplicate their last node, so every parent has two
// children.
type MerkleTree struct {
	leaves []values.HashValue
	levels [][]values.HashValue
}

// NewMerkleTree builds a tree from leaf hashes
func NewMerkleTree(leaves []values.HashValue) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, errors.NewValidationError("EMPTY_MERKLE_LEAVES",
			"merkle tree requires at least one leaf")
	}
	for i, leaf := range leaves {
		if leaf.IsEmpty() {
			return nil, errors.NewValidationError("EMPTY_MERKLE_LEAF",
				fmt.Sprintf("leaf %d is empty", i))
		}
	}

	tree := &MerkleTree{leaves: append([]values.HashValue(nil), leaves...)}
	tree.build()
	return tree, nil
}

func (t *MerkleTree) build() {
	level := append([]values.HashValue(nil), t.leaves...)
	t.levels = [][]values.HashValue{level}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]values.HashValue, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}

		t.levels = append(t.levels, next)
		level = next
	}
}

func hashPair(left, right values.HashValue) values.HashValue {
	sum := sha256.Sum256([]byte(left.String() + right.String()))
	return values.MustNewHashValue(hex.EncodeToString(sum[:]))
}

// Root returns the root hash of the tree
func (t *MerkleTree) Root() values.HashValue {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of original leaves
func (t *MerkleTree) LeafCount() int {
	return len(t.leaves)
}

// MerkleProof is the inclusion proof of one leaf. Siblings are listed
// bottom-up, each tagged with its side.
type MerkleProof struct {
	LeafHash  values.HashValue `json:"leaf_hash"`
	LeafIndex int              `json:"leaf_index"`
	Siblings  []ProofStep      `json:"siblings"`
	Root      values.HashValue `json:"root"`
}

// ProofStep is one sibling in an inclusion proof
type ProofStep struct {
	Side string           `json:"side"` // "L" or "R"
	Hash values.HashValue `json:"hash"`
}

// Proof builds the inclusion proof for the leaf at index
func (t *MerkleTree) Proof(index int) (*MerkleProof, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, errors.NewValidationError("INVALID_LEAF_INDEX",
			fmt.Sprintf("leaf index %d out of range [0, %d)", index, len(t.leaves)))
	}

	proof := &MerkleProof{
		LeafHash:  t.leaves[index],
		LeafIndex: index,
		Root:      t.Root(),
	}

	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		// mirror the duplication done during build
		nodes := level
		if len(nodes)%2 == 1 {
			nodes = append(append([]values.HashValue(nil), nodes...), nodes[len(nodes)-1])
		}

		if idx%2 == 0 {
			proof.Siblings = append(proof.Siblings, ProofStep{Side: "R", Hash: nodes[idx+1]})
		} else {
			proof.Siblings = append(proof.Siblings, ProofStep{Side: "L", Hash: nodes[idx-1]})
		}
		idx /= 2
	}

	return proof, nil
}

// Verify recomputes the root from the leaf and siblings and compares
// it to the proof's root.
func (p *MerkleProof) Verify() bool {
	current := p.LeafHash
	for _, step := range p.Siblings {
		switch step.Side {
		case "L":
			current = hashPair(step.Hash, current)
		case "R":
			current = hashPair(current, step.Hash)
		default:
			return false
		}
	}
	return current.Equal(p.Root)
}

// Serialize encodes the proof as
// leafHash:index:L<h>,R<h>,...:root
func (p *MerkleProof) Serialize() string {
	steps := make([]string, len(p.Siblings))
	for i, step := range p.Siblings {
		steps[i] = step.Side + step.Hash.String()
	}
	return strings.Join([]string{
		p.LeafHash.String(),
		strconv.Itoa(p.LeafIndex),
		strings.Join(steps, ","),
		p.Root.String(),
	}, ":")
}

// ParseMerkleProof decodes a serialized proof
func ParseMerkleProof(s string) (*MerkleProof, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return nil, errors.NewValidationError("INVALID_PROOF_FORMAT",
			"proof must have four colon-separated sections")
	}

	leaf, err := values.NewHashValue(parts[0])
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PROOF_LEAF",
			"invalid leaf hash").WithCause(err)
	}

	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return nil, errors.NewValidationError("INVALID_PROOF_INDEX",
			"invalid leaf index")
	}

	root, err := values.NewHashValue(parts[3])
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PROOF_ROOT",
			"invalid root hash").WithCause(err)
	}

	proof := &MerkleProof{LeafHash: leaf, LeafIndex: index, Root: root}

	if parts[2] != "" {
		for _, raw := range strings.Split(parts[2], ",") {
			if len(raw) < 2 {
				return nil, errors.NewValidationError("INVALID_PROOF_STEP",
					"proof step too short")
			}
			side := raw[:1]
			if side != "L" && side != "R" {
				return nil, errors.NewValidationError("INVALID_PROOF_STEP",
					fmt.Sprintf("unknown proof side %q", side))
			}
			hash, err := values.NewHashValue(raw[1:])
			if err != nil {
				return nil, errors.NewValidationError("INVALID_PROOF_STEP",
					"invalid sibling hash").WithCause(err)
			}
			proof.Siblings = append(proof.Siblings, ProofStep{Side: side, Hash: hash})
		}
	}

	return proof, nil
}
