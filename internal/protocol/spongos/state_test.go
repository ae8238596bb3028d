package spongos

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	encState := New([]byte("shared-seed"))
	ciphertext := encState.Encrypt(plaintext)
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext should differ from plaintext")
	}

	decState := New([]byte("shared-seed"))
	recovered := decState.Decrypt(ciphertext)
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("decrypt did not recover the plaintext: got %q", recovered)
	}
}

func TestEncryptDecryptLeaveStatesInLockstep(t *testing.T) {
	encState := New([]byte("seed"))
	decState := New([]byte("seed"))

	ct := encState.Encrypt([]byte("message one"))
	decState.Decrypt(ct)

	if !bytes.Equal(encState.Bytes(), decState.Bytes()) {
		t.Fatalf("encrypt/decrypt should leave both sides at the same state")
	}

	ct2 := encState.Encrypt([]byte("message two"))
	pt2 := decState.Decrypt(ct2)
	if string(pt2) != "message two" {
		t.Fatalf("second message did not decrypt correctly: %q", pt2)
	}
}

func TestForkDoesNotMutateOriginal(t *testing.T) {
	original := New([]byte("seed"))
	before := original.Bytes()

	fork := original.Fork()
	fork.Absorb([]byte("mutate the fork"))

	if !bytes.Equal(before, original.Bytes()) {
		t.Fatalf("forking and mutating the fork must not change the original")
	}
	if bytes.Equal(fork.Bytes(), original.Bytes()) {
		t.Fatalf("fork should have diverged from the original after absorbing")
	}
}

func TestBytesFromBytesRoundTrip(t *testing.T) {
	s := New([]byte("seed"))
	s.Absorb([]byte("some header"))

	b := s.Bytes()
	restored, err := FromBytes(b)
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if !bytes.Equal(restored.Bytes(), s.Bytes()) {
		t.Fatalf("restored state should match the original")
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error restoring from a short byte slice")
	}
}

func TestAbsorbChangesState(t *testing.T) {
	a := New([]byte("seed"))
	b := New([]byte("seed"))
	b.Absorb([]byte("extra"))

	if bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("absorbing extra data should change the state")
	}
}

func TestTagIsDeterministicForIdenticalHistory(t *testing.T) {
	a := New([]byte("seed"))
	a.Absorb([]byte("header"))
	b := New([]byte("seed"))
	b.Absorb([]byte("header"))

	if a.Tag() != b.Tag() {
		t.Fatalf("identical absorb history should produce identical tags")
	}
}
