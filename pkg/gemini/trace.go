package gemini

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/cpuid"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// fingerprintTable selects the Castagnoli polynomial (hardware-accelerated
// CRC32C on CPUs that support it) when available, falling back to the
// classic IEEE polynomial otherwise. This mirrors how the corpus gates an
// accelerated code path on a runtime CPU-feature check rather than a build
// tag.
var fingerprintTable = func() *crc32.Table {
	if cpuid.CPU.SSE42 {
		return crc32.MakeTable(crc32.Castagnoli)
	}
	return crc32.IEEETable
}()

func fingerprint(b []byte) uint32 {
	return crc32.Checksum(b, fingerprintTable)
}

// traceEntry is one captured datagram in the debug trace; see spec §4.2.6
// and §6 (ring of traceRingSize entries, up to traceRecordBytes each).
type traceEntry struct {
	seq         uint64
	capturedAtMs int64
	fp          uint32
	data        []byte
}

// traceRing is a bounded FIFO of the most recently received datagrams,
// grounded on Gemini_comms::recordRxPacket/m_received_trace in the original
// C++: drop the oldest entry once full, truncate each capture to a fixed
// number of bytes.
type traceRing struct {
	maxEntries int
	maxBytes   int
	nextSeq    uint64
	entries    []traceEntry
}

func newTraceRing(maxEntries, maxBytes int) *traceRing {
	return &traceRing{maxEntries: maxEntries, maxBytes: maxBytes}
}

func (r *traceRing) record(b []byte, nowMs int64) {
	cpyLen := len(b)
	if cpyLen > r.maxBytes {
		cpyLen = r.maxBytes
	}
	data := make([]byte, cpyLen)
	copy(data, b[:cpyLen])

	if len(r.entries) >= r.maxEntries {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, traceEntry{
		seq:          r.nextSeq,
		capturedAtMs: nowMs,
		fp:           fingerprint(data),
		data:         data,
	})
	r.nextSeq++
}

func (r *traceRing) reset() {
	r.entries = nil
}

// serialize packs the ring into a compact binary form: per entry, an 8-byte
// sequence number, an 8-byte capture timestamp, a 4-byte CRC32 fingerprint,
// a 2-byte length, then the captured bytes — all integers big-endian, like
// the header's numRegs field.
func (r *traceRing) serialize() []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	for _, e := range r.entries {
		binary.BigEndian.PutUint64(scratch[:8], e.seq)
		buf.Write(scratch[:8])
		binary.BigEndian.PutUint64(scratch[:8], uint64(e.capturedAtMs))
		buf.Write(scratch[:8])
		binary.BigEndian.PutUint32(scratch[:4], e.fp)
		buf.Write(scratch[:4])
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(e.data)))
		buf.Write(scratch[:2])
		buf.Write(e.data)
	}
	return buf.Bytes()
}

// TraceCodec selects the compression format DumpTrace uses to pack the
// debug trace for export; see SPEC_FULL.md's "Trace diagnostics export".
type TraceCodec uint8

const (
	TraceCodecNone TraceCodec = iota
	TraceCodecSnappy
	TraceCodecLZ4
	TraceCodecZstd
)

func compressTrace(codec TraceCodec, raw []byte) ([]byte, error) {
	switch codec {
	case TraceCodecNone:
		return raw, nil
	case TraceCodecSnappy:
		return snappy.Encode(nil, raw), nil
	case TraceCodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case TraceCodecZstd:
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := enc.Write(raw); err != nil {
			enc.Close()
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("gemini: unknown trace codec %d", codec)
	}
}
