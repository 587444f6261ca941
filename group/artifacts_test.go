package group

import (
	"bytes"
	"testing"
)

func TestKeyPackageEncoding(t *testing.T) {
	t.Parallel()
	kp := &KeyPackage{
		UserID:  "alice",
		InitKey: []byte{1, 2, 3},
		SigKey:  bytes.Repeat([]byte{4}, 32),
		Sig:     bytes.Repeat([]byte{5}, 64),
	}
	data, err := kp.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	var got KeyPackage
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if got.UserID != kp.UserID || !bytes.Equal(got.InitKey, kp.InitKey) ||
		!bytes.Equal(got.SigKey, kp.SigKey) || !bytes.Equal(got.Sig, kp.Sig) {
		t.Fatalf("decoded = %+v, want %+v", got, *kp)
	}

	// Trailing bytes are a framing error, not padding.
	var trailing KeyPackage
	if err := trailing.UnmarshalBinary(append(data, 0x00)); err == nil {
		t.Fatal("expected error on trailing bytes")
	}
}

func TestKeyPackageMarshalIncomplete(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		kp   KeyPackage
	}{
		{"empty", KeyPackage{}},
		{"no sig", KeyPackage{UserID: "a", InitKey: []byte{1}, SigKey: []byte{2}}},
		{"no user", KeyPackage{InitKey: []byte{1}, SigKey: []byte{2}, Sig: []byte{3}}},
	}
	for _, tc := range cases {
		if _, err := tc.kp.MarshalBinary(); err == nil {
			t.Errorf("%s: expected marshal error", tc.name)
		}
	}
}

func TestWelcomeEncoding(t *testing.T) {
	t.Parallel()
	w := &Welcome{Enc: []byte("enc"), Sealed: []byte("sealed")}
	data, err := w.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var got Welcome
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if !bytes.Equal(got.Enc, w.Enc) || !bytes.Equal(got.Sealed, w.Sealed) {
		t.Fatalf("decoded = %+v, want %+v", got, *w)
	}

	if _, err := (&Welcome{}).MarshalBinary(); err == nil {
		t.Fatal("expected marshal error for empty welcome")
	}
	if err := new(Welcome).UnmarshalBinary([]byte{0x03, 'a'}); err == nil {
		t.Fatal("expected error on truncated welcome")
	}
}

func TestMessageEncoding(t *testing.T) {
	t.Parallel()
	m := &Message{Epoch: 7, Sealed: []byte("ciphertext")}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if got.Epoch != 7 || !bytes.Equal(got.Sealed, m.Sealed) {
		t.Fatalf("decoded = %+v, want %+v", got, *m)
	}
}

func TestRatchetTreeEncoding(t *testing.T) {
	t.Parallel()
	tree := &RatchetTree{Members: []Member{
		{UserID: "alice", InitKey: []byte{1}, SigKey: []byte{2}},
		{UserID: "bob", InitKey: []byte{3}, SigKey: []byte{4}},
	}}
	data, err := tree.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var got RatchetTree
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if len(got.Members) != 2 || got.Members[1].UserID != "bob" {
		t.Fatalf("decoded = %+v, want %+v", got, *tree)
	}
}
