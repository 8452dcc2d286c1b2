package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

func wav(format, bits uint16, rate uint32, extra []byte, data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(extra)+len(data)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, format)
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, rate)
	binary.Write(&b, binary.LittleEndian, rate*uint32(bits/8))
	binary.Write(&b, binary.LittleEndian, bits/8)
	binary.Write(&b, binary.LittleEndian, bits)
	b.Write(extra)
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

func drain(t *testing.T, s Source) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		c, err := s.NextChunk()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		chunks = append(chunks, c)
	}
}

func TestReaderSource_Chunks(t *testing.T) {
	src := NewReaderSource(bytes.NewReader([]byte("abcdefghij")), 4, 0)

	chunks := drain(t, src)
	expected := []string{"abcd", "efgh", "ij"}
	if len(chunks) != len(expected) {
		t.Fatalf("expected %d chunks, got %d", len(expected), len(chunks))
	}
	for i, c := range chunks {
		if string(c) != expected[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, expected[i], c)
		}
	}

	if _, err := src.NextChunk(); err != io.EOF {
		t.Errorf("expected io.EOF after end, got %v", err)
	}
}

func TestReaderSource_ChunksAreCopies(t *testing.T) {
	src := NewReaderSource(bytes.NewReader([]byte("aabb")), 2, 0)

	first, _ := src.NextChunk()
	src.NextChunk()
	if string(first) != "aa" {
		t.Errorf("expected first chunk to survive later reads, got %q", first)
	}
}

func TestReaderSource_Pacing(t *testing.T) {
	src := NewReaderSource(bytes.NewReader(make([]byte, 6)), 2, time.Hour)
	var slept []time.Duration
	src.sleep = func(d time.Duration) { slept = append(slept, d) }

	drain(t, src)

	if len(slept) != 2 {
		t.Fatalf("expected 2 pauses for 3 chunks, got %d", len(slept))
	}
	for _, d := range slept {
		if d <= 0 || d > time.Hour {
			t.Errorf("unexpected pause %v", d)
		}
	}
}

func TestReaderSource_DefaultChunk(t *testing.T) {
	src := NewReaderSource(bytes.NewReader(make([]byte, DefaultChunkBytes+1)), 0, 0)

	chunks := drain(t, src)
	if len(chunks) != 2 || len(chunks[0]) != DefaultChunkBytes {
		t.Errorf("expected default chunk size %d, got %d chunks", DefaultChunkBytes, len(chunks))
	}
}

func TestWAVSource(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	list := append([]byte("LIST"), 2, 0, 0, 0, 'x', 'y')
	raw := append(wav(1, 16, 16000, list, pcm), []byte("trailing")...)

	src, err := NewWAVSource(bytes.NewReader(raw), 4, 0)
	if err != nil {
		t.Fatalf("NewWAVSource: %v", err)
	}
	if src.Info.SampleRate != 16000 || src.Info.Channels != 1 || src.Info.DataBytes != 6 {
		t.Errorf("unexpected info: %+v", src.Info)
	}
	if got := src.Info.BytesPerSecond(); got != 32000 {
		t.Errorf("expected 32000 bytes/s, got %d", got)
	}
	if got := src.Info.ChunkDuration(3200); got != 100*time.Millisecond {
		t.Errorf("expected 100ms per 3200 bytes, got %v", got)
	}

	var got []byte
	for _, c := range drain(t, src) {
		got = append(got, c...)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("expected data chunk only, got %v", got)
	}
}

func TestWAVSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected error
	}{
		{"empty", nil, ErrNotWAV},
		{"not riff", []byte("RIFX\x00\x00\x00\x00WAVEfmt "), ErrNotWAV},
		{"float", wav(3, 32, 16000, nil, []byte{0, 0, 0, 0}), ErrUnsupportedFormat},
		{"8 bit", wav(1, 8, 8000, nil, []byte{0}), ErrUnsupportedFormat},
		{"no data", wav(1, 16, 16000, nil, nil)[:36], ErrNotWAV},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWAVSource(bytes.NewReader(tt.input), 4, 0)
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestWAVSource_RealtimePace(t *testing.T) {
	src, err := NewWAVSource(bytes.NewReader(wav(1, 16, 8000, nil, make([]byte, 8))), 1600, PaceRealtime)
	if err != nil {
		t.Fatalf("NewWAVSource: %v", err)
	}
	if src.pace != 100*time.Millisecond {
		t.Errorf("expected 100ms pace at 8kHz, got %v", src.pace)
	}
}
