package integrity

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Hello,   World! ":          "hello world",
		"Graph-based\tRetrieval":      "graph based retrieval",
		"UPPER lower":                 "upper lower",
		"":                            "",
		"...":                         "",
		"Résumé ranking (v2)":         "résumé ranking v2",
		"multi\n\nline\r\ncandidate": "multi line candidate",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	h1 := ContentHash("Sparse attention", "Use block sparsity")
	h2 := ContentHash("Sparse attention", "Use block sparsity")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, hashV1Prefix) {
		t.Fatalf("expected %q prefix, got %q", hashV1Prefix, h1)
	}
	if len(h1) != len(hashV1Prefix)+64 {
		t.Fatalf("expected 64-char hex SHA-256 after prefix, got %d chars", len(h1)-len(hashV1Prefix))
	}
}

func TestContentHash_NormalizedEqual(t *testing.T) {
	h1 := ContentHash("Sparse Attention!", "use  block sparsity.")
	h2 := ContentHash("sparse attention", "Use block sparsity")
	if h1 != h2 {
		t.Fatal("cosmetic differences should not change the hash")
	}
}

func TestContentHash_FieldBoundaries(t *testing.T) {
	h1 := ContentHash("ab", "c")
	h2 := ContentHash("a", "bc")
	if h1 == h2 {
		t.Fatal("length prefixing should separate title and summary")
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	if got := BuildMerkleRoot(nil); got != "" {
		t.Fatalf("empty leaves should give empty root, got %q", got)
	}
	if got := BuildMerkleRoot([]string{"a"}); got != "a" {
		t.Fatalf("single leaf should be root, got %q", got)
	}

	three := BuildMerkleRoot([]string{"a", "b", "c"})
	want := hashPair(hashPair("a", "b"), hashPair("c", "c"))
	if three != want {
		t.Fatalf("odd tree root mismatch: got %q want %q", three, want)
	}

	swapped := BuildMerkleRoot([]string{"b", "a", "c"})
	if swapped == three {
		t.Fatal("leaf order should affect the root")
	}
}

func TestResultLeaf(t *testing.T) {
	a := ResultLeaf("c1:x", "b", "c", "d")
	if a != ResultLeaf("c1:x", "b", "c", "d") {
		t.Fatal("leaf must be deterministic")
	}
	if a == ResultLeaf("c1:x", "bc", "", "d") {
		t.Fatal("output boundaries must affect the leaf")
	}
	if a == ResultLeaf("c1:y", "b", "c", "d") {
		t.Fatal("content hash must affect the leaf")
	}
}
