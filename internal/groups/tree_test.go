package groups

import (
	"bytes"
	"testing"
)

func TestNewTreeSingleLeaf(t *testing.T) {
	tree := NewTree("alice", []byte("alice-key"))
	if tree.Epoch != 0 {
		t.Fatalf("expected epoch 0, got %d", tree.Epoch)
	}
	if tree.MemberCount() != 1 {
		t.Fatalf("expected 1 member, got %d", tree.MemberCount())
	}
	if len(tree.EncryptionKey) != 32 || len(tree.SenderDataKey) != 32 {
		t.Fatalf("expected 32-byte derived keys, got %d/%d", len(tree.EncryptionKey), len(tree.SenderDataKey))
	}
}

func TestAddLeafAdvancesEpoch(t *testing.T) {
	tree := NewTree("alice", []byte("alice-key"))
	prevKey := tree.EncryptionKey

	idx := tree.AddLeaf("bob", []byte("bob-key"))
	if idx != 1 {
		t.Fatalf("expected leaf index 1, got %d", idx)
	}
	if tree.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", tree.Epoch)
	}
	if tree.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", tree.MemberCount())
	}
	if bytes.Equal(prevKey, tree.EncryptionKey) {
		t.Fatal("expected encryption key to change across epochs")
	}
}

func TestBlankLeafKeepsIndexSpace(t *testing.T) {
	tree := NewTree("alice", []byte("alice-key"))
	tree.AddLeaf("bob", []byte("bob-key"))
	tree.AddLeaf("carol", []byte("carol-key"))

	if !tree.BlankLeaf("bob") {
		t.Fatal("expected blank to succeed for existing member")
	}
	if tree.Epoch != 3 {
		t.Fatalf("expected epoch 3 after add, add, blank, got %d", tree.Epoch)
	}
	if tree.MemberCount() != 2 {
		t.Fatalf("expected 2 members after removal, got %d", tree.MemberCount())
	}
	if len(tree.Nodes) != 3 {
		t.Fatalf("expected node slots to remain at 3, got %d", len(tree.Nodes))
	}
	if tree.Nodes[1].PublicKey != nil {
		t.Fatal("expected bob's leaf to be blanked, not removed")
	}

	// carol's leaf index must be unaffected by bob's removal.
	if idx, ok := tree.MemberMap["carol"]; !ok || idx != 2 {
		t.Fatalf("expected carol to remain a member at leaf 2, got leaf %d (member=%v)", idx, ok)
	}
	if tree.BlankLeaf("dave") {
		t.Fatal("expected blank of non-member to fail")
	}
}

func TestUpdateLeafKeyAdvancesEpoch(t *testing.T) {
	tree := NewTree("alice", []byte("alice-key"))
	if !tree.UpdateLeafKey("alice", []byte("alice-key-v2")) {
		t.Fatal("expected key rotation to succeed")
	}
	if tree.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", tree.Epoch)
	}
	if !bytes.Equal(tree.Nodes[0].PublicKey, []byte("alice-key-v2")) {
		t.Fatal("expected leaf public key to be updated")
	}
	if tree.UpdateLeafKey("nobody", []byte("x")) {
		t.Fatal("expected update of non-member to fail")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tree := NewTree("alice", []byte("alice-key"))
	tree.AddLeaf("bob", []byte("bob-key"))

	blob, err := tree.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTree(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Epoch != tree.Epoch {
		t.Fatalf("epoch mismatch after round trip: %d vs %d", decoded.Epoch, tree.Epoch)
	}
	if decoded.MemberCount() != tree.MemberCount() {
		t.Fatalf("member count mismatch after round trip")
	}
	if !bytes.Equal(decoded.EncryptionKey, tree.EncryptionKey) {
		t.Fatal("encryption key mismatch after round trip")
	}
}

func TestTreeHashChangesWithMembership(t *testing.T) {
	a := NewTree("alice", []byte("alice-key"))
	b := NewTree("alice", []byte("alice-key"))
	if !bytes.Equal(a.treeHash(), b.treeHash()) {
		t.Fatal("expected identical trees to hash identically")
	}
	b.AddLeaf("bob", []byte("bob-key"))
	if bytes.Equal(a.treeHash(), b.treeHash()) {
		t.Fatal("expected tree hash to change after membership change")
	}
}
