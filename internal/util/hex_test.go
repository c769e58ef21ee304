package util

import (
	"bytes"
	"testing"
)

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"bare hex", "deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"prefixed hex", "0xdeadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"empty", "", []byte{}, false},
		{"odd length", "abc", nil, true},
		{"not hex", "zzzz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !bytes.Equal(got, tt.want) {
				t.Errorf("HexToBytes(%q) = %x, want %x", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeNonce(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"DEADBEEF", "deadbeef"},
		{"0xDeadBeef", "deadbeef"},
		{"12345678", "12345678"},
	}

	for _, tt := range tests {
		if got := NormalizeNonce(tt.input); got != tt.expected {
			t.Errorf("NormalizeNonce(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseNonce(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"valid", "deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"uppercase", "DEADBEEF", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"too short", "dead", nil, true},
		{"too long", "deadbeefca", nil, true},
		{"not hex", "zzzzzzzz", nil, true},
		{"empty", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNonce(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNonce(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !bytes.Equal(got, tt.want) {
				t.Errorf("ParseNonce(%q) = %x, want %x", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateHash(t *testing.T) {
	valid := "8a4b1d5110ec0b0ab92f0e1b0ea0d6b8f0f0c0d0e0f000112233445566778899"
	if !ValidateHash(valid) {
		t.Errorf("ValidateHash(%q) = false, want true", valid)
	}
	if ValidateHash("abcd") {
		t.Error("ValidateHash should reject short strings")
	}
	if ValidateHash(valid[:62] + "zz") {
		t.Error("ValidateHash should reject non-hex")
	}
}

func TestReverseBytesCopy(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	got := ReverseBytesCopy(in)
	want := []byte{4, 3, 2, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("ReverseBytesCopy = %v, want %v", got, want)
	}
	if !bytes.Equal(in, []byte{1, 2, 3, 4}) {
		t.Error("ReverseBytesCopy must not mutate its input")
	}
}

func BenchmarkParseNonce(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ParseNonce("deadbeef")
	}
}
