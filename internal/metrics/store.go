package metrics

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
)

// Store is an append-only sequence of framed snapshots held in memory.
// Encode produces the framed byte stream for a caller to persist, and
// LoadFrames parses one back. Each record is a single length-prefixed
// frame so readers only ever see complete frames.
type Store struct {
	mu sync.Mutex

	maxSnapshots int
	maxBytes     int64

	frames     [][]byte
	totalBytes int64
}

// NewStore returns a Store capped at maxSnapshots records and maxBytes
// total encoded bytes.
func NewStore(maxSnapshots int, maxBytes int64) *Store {
	return &Store{maxSnapshots: maxSnapshots, maxBytes: maxBytes}
}

// Append encodes snap as a length-prefixed JSON frame and appends it,
// evicting the oldest frames to stay within maxSnapshots/maxBytes. A
// single snapshot whose encoded size exceeds maxBytes is rejected
// entirely (not stored, not partially written).
func (s *Store) Append(snap MetricsSnapshot) error {
	frame, err := encodeFrame(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if s.maxBytes > 0 && int64(len(frame)) > s.maxBytes {
		return fmt.Errorf("snapshot of %d bytes exceeds store cap of %d bytes", len(frame), s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, frame)
	s.totalBytes += int64(len(frame))

	for (s.maxSnapshots > 0 && len(s.frames) > s.maxSnapshots) || (s.maxBytes > 0 && s.totalBytes > s.maxBytes) {
		evicted := s.frames[0]
		s.frames = s.frames[1:]
		s.totalBytes -= int64(len(evicted))
	}
	return nil
}

// Count returns the number of snapshots currently retained.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Encode returns the full framed byte stream, suitable for writing to
// disk as the durable representation.
func (s *Store) Encode() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, f := range s.frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// All decodes and returns every retained snapshot, oldest first.
func (s *Store) All() ([]MetricsSnapshot, error) {
	s.mu.Lock()
	frames := append([][]byte(nil), s.frames...)
	s.mu.Unlock()

	out := make([]MetricsSnapshot, 0, len(frames))
	for _, f := range frames {
		snap, _, err := decodeFrame(f)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// LoadFrames parses a complete framed byte stream (as produced by
// Encode) back into snapshots, stopping at the first incomplete
// trailing frame rather than failing the whole read.
func LoadFrames(data []byte) ([]MetricsSnapshot, error) {
	var out []MetricsSnapshot
	for len(data) > 0 {
		if len(data) < 4 {
			break // incomplete trailing frame
		}
		n := binary.BigEndian.Uint32(data[:4])
		if uint32(len(data)-4) < n {
			break // incomplete trailing frame
		}
		snap, consumed, err := decodeFrame(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
		data = data[consumed:]
	}
	return out, nil
}

func encodeFrame(snap MetricsSnapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

func decodeFrame(data []byte) (MetricsSnapshot, int, error) {
	if len(data) < 4 {
		return MetricsSnapshot{}, 0, fmt.Errorf("truncated frame header")
	}
	n := binary.BigEndian.Uint32(data[:4])
	end := 4 + int(n)
	if end > len(data) {
		return MetricsSnapshot{}, 0, fmt.Errorf("truncated frame body")
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(data[4:end], &snap); err != nil {
		return MetricsSnapshot{}, 0, fmt.Errorf("decode frame: %w", err)
	}
	return snap, end, nil
}
