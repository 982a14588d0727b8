package tokenbox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSealOpenRoundtrip(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	in := payload{Name: "a", Count: 3}
	tok, err := b.Seal("test/payload", in)
	if err != nil {
		t.Fatal(err)
	}
	var out payload
	if err := b.Open("test/payload", tok, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("roundtrip: got %+v, want %+v", out, in)
	}
}

func TestContentTypeMismatchRejected(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tok, err := b.Seal("test/question", payload{Name: "q"})
	if err != nil {
		t.Fatal(err)
	}
	var out payload
	err = b.Open("test/answer", tok, &out)
	if !errors.Is(err, ErrContentType) {
		t.Fatalf("opening under a different content type: got %v, want ErrContentType", err)
	}
}

func TestUnknownKeyIndexRejected(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tok, err := b.Seal("test/payload", payload{})
	if err != nil {
		t.Fatal(err)
	}
	tok.KeyIndex = 5
	var out payload
	if err := b.Open("test/payload", tok, &out); !errors.Is(err, ErrUnknownKeyIndex) {
		t.Fatalf("got %v, want ErrUnknownKeyIndex", err)
	}
}

func TestForeignKeyRejected(t *testing.T) {
	b1, err := New(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := New(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	tok, err := b1.Seal("test/payload", payload{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var out payload
	if err := b2.Open("test/payload", tok, &out); err == nil {
		t.Fatalf("token sealed by one box opened by another")
	}
}

func TestKeyRotationKeepsOldTokensReadable(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	old, err := New(k1)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := old.Seal("test/payload", payload{Name: "old"})
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := New(k1, k2)
	if err != nil {
		t.Fatal(err)
	}
	var out payload
	if err := rotated.Open("test/payload", tok, &out); err != nil {
		t.Fatalf("token from before rotation unreadable: %v", err)
	}
	fresh, err := rotated.Seal("test/payload", payload{Name: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.KeyIndex != 1 {
		t.Fatalf("fresh token sealed under key index %d, want the newest key (1)", fresh.KeyIndex)
	}
}

func TestBadKeySize(t *testing.T) {
	if _, err := New(bytes.Repeat([]byte{1}, 16)); err == nil {
		t.Fatalf("16-byte key accepted, want error")
	}
}
