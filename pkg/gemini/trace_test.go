package gemini

import (
	"bytes"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

func TestTraceRingDropsOldestWhenFull(t *testing.T) {
	r := newTraceRing(2, 64)
	r.record([]byte("one"), 100)
	r.record([]byte("two"), 200)
	r.record([]byte("three"), 300)

	if len(r.entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(r.entries))
	}
	if string(r.entries[0].data) != "two" || string(r.entries[1].data) != "three" {
		t.Errorf("entries = %q, %q; want \"two\", \"three\"", r.entries[0].data, r.entries[1].data)
	}
	// seq keeps counting from the first record ever made, not from the
	// surviving window.
	if r.entries[0].seq != 1 || r.entries[1].seq != 2 {
		t.Errorf("seqs = %d, %d; want 1, 2", r.entries[0].seq, r.entries[1].seq)
	}
}

func TestTraceRingTruncatesToMaxBytes(t *testing.T) {
	r := newTraceRing(4, 4)
	r.record([]byte("abcdefgh"), 1)
	if len(r.entries[0].data) != 4 {
		t.Fatalf("len(data) = %d, want 4", len(r.entries[0].data))
	}
	if string(r.entries[0].data) != "abcd" {
		t.Errorf("data = %q, want \"abcd\"", r.entries[0].data)
	}
}

func TestTraceRingReset(t *testing.T) {
	r := newTraceRing(4, 64)
	r.record([]byte("x"), 1)
	r.reset()
	if len(r.entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 after reset", len(r.entries))
	}
}

func TestTraceRingSerializeLength(t *testing.T) {
	r := newTraceRing(4, 64)
	r.record([]byte("hello"), 42)
	buf := r.serialize()
	// 8 (seq) + 8 (timestamp) + 4 (fingerprint) + 2 (length) + 5 (data)
	if want := 8 + 8 + 4 + 2 + 5; len(buf) != want {
		t.Errorf("len(serialize()) = %d, want %d", len(buf), want)
	}
}

func TestCompressTraceRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("gemini-trace-payload"), 16)

	t.Run("none", func(t *testing.T) {
		got, err := compressTrace(TraceCodecNone, raw)
		if err != nil {
			t.Fatalf("compressTrace: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("TraceCodecNone should pass raw bytes through unchanged")
		}
	})

	t.Run("snappy", func(t *testing.T) {
		got, err := compressTrace(TraceCodecSnappy, raw)
		if err != nil {
			t.Fatalf("compressTrace: %v", err)
		}
		decoded, err := snappy.Decode(nil, got)
		if err != nil {
			t.Fatalf("snappy.Decode: %v", err)
		}
		if !bytes.Equal(decoded, raw) {
			t.Errorf("round trip mismatch")
		}
	})

	t.Run("lz4", func(t *testing.T) {
		got, err := compressTrace(TraceCodecLZ4, raw)
		if err != nil {
			t.Fatalf("compressTrace: %v", err)
		}
		r := lz4.NewReader(bytes.NewReader(got))
		var decoded bytes.Buffer
		if _, err := decoded.ReadFrom(r); err != nil {
			t.Fatalf("lz4 decode: %v", err)
		}
		if !bytes.Equal(decoded.Bytes(), raw) {
			t.Errorf("round trip mismatch")
		}
	})

	t.Run("zstd", func(t *testing.T) {
		got, err := compressTrace(TraceCodecZstd, raw)
		if err != nil {
			t.Fatalf("compressTrace: %v", err)
		}
		dec, err := zstd.NewReader(bytes.NewReader(got))
		if err != nil {
			t.Fatalf("zstd.NewReader: %v", err)
		}
		defer dec.Close()
		var decoded bytes.Buffer
		if _, err := decoded.ReadFrom(dec); err != nil {
			t.Fatalf("zstd decode: %v", err)
		}
		if !bytes.Equal(decoded.Bytes(), raw) {
			t.Errorf("round trip mismatch")
		}
	})

	t.Run("unknown codec", func(t *testing.T) {
		if _, err := compressTrace(TraceCodec(99), raw); err == nil {
			t.Fatal("expected error for unknown codec")
		}
	})
}

func TestFingerprintDeterministic(t *testing.T) {
	a := fingerprint([]byte("same bytes"))
	b := fingerprint([]byte("same bytes"))
	if a != b {
		t.Errorf("fingerprint not deterministic: %d != %d", a, b)
	}
	if fingerprint([]byte("different")) == a {
		t.Errorf("fingerprint collided unexpectedly")
	}
}
