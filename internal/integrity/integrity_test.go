package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.tar.xz")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestDigestMatchesSHA256(t *testing.T) {
	// Larger than one chunk so the streaming loop runs more than once.
	content := bytes.Repeat([]byte("redistributable-"), ChunkSize/4)
	path := writeFixture(t, content)

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	got, err := Digest(path)
	if err != nil {
		t.Fatalf("Digest() failed: %v", err)
	}
	if got != want {
		t.Errorf("Digest() = %s, want %s", got, want)
	}
}

func TestDigestMissingFile(t *testing.T) {
	if _, err := Digest(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestVerifyDigest(t *testing.T) {
	content := []byte("cuda_cccl archive bytes")
	path := writeFixture(t, content)
	sum := sha256.Sum256(content)
	good := hex.EncodeToString(sum[:])

	check, err := VerifyDigest(path, good)
	if err != nil {
		t.Fatalf("VerifyDigest() failed: %v", err)
	}
	if !check.Match || check.Kind != KindSHA256 {
		t.Errorf("expected match, got %+v", check)
	}

	check, err = VerifyDigest(path, strings.ToUpper(good))
	if err != nil || !check.Match {
		t.Errorf("upper-case digest should match, got %+v, %v", check, err)
	}

	altered := append([]byte(nil), content...)
	altered[0] ^= 0xff
	alteredPath := writeFixture(t, altered)
	check, err = VerifyDigest(alteredPath, good)
	if err != nil {
		t.Fatalf("VerifyDigest() failed: %v", err)
	}
	if check.Match {
		t.Error("altered byte should not match")
	}
	if check.Actual == good || check.Expected != good {
		t.Errorf("unexpected check values: %+v", check)
	}
}

func TestVerifySize(t *testing.T) {
	content := []byte("0123456789")
	path := writeFixture(t, content)

	tests := []struct {
		name     string
		expected string
		want     bool
	}{
		{"exact", strconv.Itoa(len(content)), true},
		{"padded", " 10 ", true},
		{"short", "9", false},
		{"long", "11", false},
		{"not a number", "ten", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := VerifySize(path, tt.expected)
			if err != nil {
				t.Fatalf("VerifySize() failed: %v", err)
			}
			if check.Match != tt.want {
				t.Errorf("Match = %v, want %v", check.Match, tt.want)
			}
			if check.Actual != "10" {
				t.Errorf("Actual = %q, want 10", check.Actual)
			}
		})
	}
}
