package groups

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"

	"golang.org/x/crypto/hkdf"
)

// TreeNode is one leaf slot in the ratchet tree's arena; only leaves are
// stored, each holding a member public key. A blanked leaf (public key cleared) keeps its index
// so removal never renumbers other members. This index-keyed arena, rather
// than a pointer graph, is what makes the tree trivially gob-encodable for
// the cache and durable state blob.
type TreeNode struct {
	Index     uint32
	PublicKey []byte // nil when blanked
}

// Tree is the serializable ratchet tree plus the per-epoch keys derived
// from it. MemberMap resolves a user_id to its leaf index.
type Tree struct {
	Nodes           []TreeNode
	MemberMap       map[string]uint32
	Epoch           int64
	EncryptionKey   []byte
	SenderDataKey   []byte
}

// NewTree initializes a single-leaf tree for the group creator.
func NewTree(creatorID string, creatorPublicKey []byte) *Tree {
	t := &Tree{
		Nodes:     []TreeNode{{Index: 0, PublicKey: creatorPublicKey}},
		MemberMap: map[string]uint32{creatorID: 0},
		Epoch:     0,
	}
	t.rederiveKeys()
	return t
}

// AddLeaf appends a leaf for a new member, advances the epoch by one, and
// re-derives epoch keys. Returns the new leaf's index.
func (t *Tree) AddLeaf(userID string, publicKey []byte) uint32 {
	idx := uint32(len(t.Nodes))
	t.Nodes = append(t.Nodes, TreeNode{Index: idx, PublicKey: publicKey})
	t.MemberMap[userID] = idx
	t.Epoch++
	t.rederiveKeys()
	return idx
}

// BlankLeaf clears a member's leaf in place (the index is never reused) and
// advances the epoch by one.
func (t *Tree) BlankLeaf(userID string) bool {
	idx, ok := t.MemberMap[userID]
	if !ok {
		return false
	}
	t.Nodes[idx].PublicKey = nil
	delete(t.MemberMap, userID)
	t.Epoch++
	t.rederiveKeys()
	return true
}

// UpdateLeafKey rotates a member's leaf public key and advances the epoch.
func (t *Tree) UpdateLeafKey(userID string, newPublicKey []byte) bool {
	idx, ok := t.MemberMap[userID]
	if !ok {
		return false
	}
	t.Nodes[idx].PublicKey = newPublicKey
	t.Epoch++
	t.rederiveKeys()
	return true
}

// MemberCount returns the number of non-blanked leaves, which must always
// equal len(MemberMap).
func (t *Tree) MemberCount() int {
	return len(t.MemberMap)
}

// treeHash folds every node's index and (if present) public key into a
// single digest, the input to epoch key derivation — grounded on the
// original Rust's compute_tree_hash.
func (t *Tree) treeHash() []byte {
	h := sha256.New()
	for _, n := range t.Nodes {
		var idxBuf [4]byte
		binary.LittleEndian.PutUint32(idxBuf[:], n.Index)
		h.Write(idxBuf[:])
		if n.PublicKey != nil {
			h.Write(n.PublicKey)
		}
	}
	return h.Sum(nil)
}

// rederiveKeys derives the epoch's encryption and sender-data keys from the
// tree hash via HKDF-SHA256, matching the original Rust's
// Hkdf<Sha256>::new(epoch, tree_hash).expand("MLSEpochKeys", 64).
func (t *Tree) rederiveKeys() {
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], uint64(t.Epoch))

	kdf := hkdf.New(sha256.New, t.treeHash(), epochBuf[:], []byte("MLSEpochKeys"))
	okm := make([]byte, 64)
	if _, err := kdf.Read(okm); err != nil {
		panic("groups: hkdf expand failed: " + err.Error())
	}
	t.EncryptionKey = okm[0:32]
	t.SenderDataKey = okm[32:64]
}

// Encode serializes the tree for the durable state blob / cache entry.
func (t *Tree) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTree reverses Encode.
func DecodeTree(blob []byte) (*Tree, error) {
	var t Tree
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
