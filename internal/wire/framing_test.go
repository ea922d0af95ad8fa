package wire

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestReaderReassemblesLargePacket(t *testing.T) {
	// One frame of exactly MaxPayload bytes followed by a short
	// continuation frame must reassemble into a single logical packet
	// whose length is the sum of both (§3, §8 S3).
	first := bytes.Repeat([]byte{'a'}, MaxPayload)
	second := []byte{1, 2, 3, 4, 5}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WritePacket(append(append([]byte{}, first...), second...)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestReaderDetectsOutOfOrderSequence(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a frame with sequence 2 when 0 is expected.
	frame := make([]byte, 4+3)
	FrameHeader(frame, 3, 2)
	copy(frame[4:], []byte{1, 2, 3})
	buf.Write(frame)

	r := NewReader(&buf)
	_, err := r.ReadPacket()
	if err == nil {
		t.Fatal("expected out-of-order error")
	}
	if _, ok := err.(*ErrOutOfOrderSeq); !ok {
		t.Fatalf("expected *ErrOutOfOrderSeq, got %T: %v", err, err)
	}
}

func TestSequenceResetsAtCommandBoundary(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WritePacket([]byte("select 1")); err != nil {
		t.Fatal(err)
	}
	w.ResetSequence()
	if w.Sequence() != 0 {
		t.Fatalf("expected sequence 0 after reset, got %d", w.Sequence())
	}
}

func TestLengthEncodedIntRoundtrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 1<<16 - 1, 1 << 16, 1<<24 - 1, 1 << 24, 1 << 40}
	for _, n := range cases {
		enc := PutLengthEncodedInt(n)
		got, isNull, consumed := ReadLengthEncodedInt(enc)
		if isNull || consumed != len(enc) || got != n {
			t.Fatalf("roundtrip failed for %d: got=%d isNull=%v consumed=%d/%d", n, got, isNull, consumed, len(enc))
		}
	}
}

func TestNativePasswordTokenAuthenticates(t *testing.T) {
	scramble, err := GenerateScramble()
	if err != nil {
		t.Fatal(err)
	}
	password := []byte("pw")
	token := NativePasswordToken(scramble, password)

	stage1 := sha1Sum(password)
	storedHash := sha1Sum(stage1)

	if !CheckNativePassword(scramble, token, storedHash) {
		t.Fatal("expected correct password to authenticate")
	}
	if CheckNativePassword(scramble, token, sha1Sum([]byte("wrong"))) {
		t.Fatal("expected wrong stored hash to fail")
	}
}

func sha1Sum(b []byte) []byte {
	sum := sha1.Sum(b)
	return sum[:]
}
