// Package audio provides the sources that feed PCM chunks into a streaming session.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Source yields successive audio chunks. io.EOF marks the end of the stream.
type Source interface {
	NextChunk() ([]byte, error)
}

// DefaultChunkBytes is 100ms of 16kHz 16-bit mono PCM.
const DefaultChunkBytes = 3200

// PaceRealtime asks NewWAVSource to pace chunks at the rate declared in the header.
const PaceRealtime time.Duration = -1

var (
	ErrNotWAV            = errors.New("audio: not a RIFF/WAVE stream")
	ErrUnsupportedFormat = errors.New("audio: unsupported WAV format")
)

// ReaderSource cuts a raw PCM reader into fixed-size chunks, optionally
// pacing them to simulate a live capture.
type ReaderSource struct {
	r     io.Reader
	buf   []byte
	pace  time.Duration
	last  time.Time
	sleep func(time.Duration)
}

// NewReaderSource returns a source reading chunkBytes at a time from r.
// A positive pace delays each chunk until pace has elapsed since the previous one.
func NewReaderSource(r io.Reader, chunkBytes int, pace time.Duration) *ReaderSource {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	return &ReaderSource{r: r, buf: make([]byte, chunkBytes), pace: pace, sleep: time.Sleep}
}

// NextChunk returns the next chunk. The final chunk may be shorter than the
// chunk size. The returned slice is owned by the caller.
func (s *ReaderSource) NextChunk() ([]byte, error) {
	n, err := io.ReadFull(s.r, s.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if s.pace > 0 {
		if !s.last.IsZero() {
			if wait := s.pace - time.Since(s.last); wait > 0 {
				s.sleep(wait)
			}
		}
		s.last = time.Now()
	}

	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// WAVInfo describes the fmt chunk of a WAV stream.
type WAVInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataBytes     uint32
}

// BytesPerSecond returns the PCM data rate.
func (i WAVInfo) BytesPerSecond() int {
	return int(i.SampleRate) * int(i.Channels) * int(i.BitsPerSample) / 8
}

// ChunkDuration returns the playback time of chunkBytes of data.
func (i WAVInfo) ChunkDuration(chunkBytes int) time.Duration {
	bps := i.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(chunkBytes) * time.Second / time.Duration(bps)
}

// WAVSource is a ReaderSource positioned at the data chunk of a WAV stream.
type WAVSource struct {
	*ReaderSource
	Info WAVInfo
}

// NewWAVSource validates the RIFF/WAVE header of r and returns a source
// over its PCM data. Only 16-bit linear PCM is accepted. With PaceRealtime
// the chunks are paced at the header's data rate.
func NewWAVSource(r io.Reader, chunkBytes int, pace time.Duration) (*WAVSource, error) {
	info, err := readWAVHeader(r)
	if err != nil {
		return nil, err
	}
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if pace == PaceRealtime {
		pace = info.ChunkDuration(chunkBytes)
	}
	data := io.LimitReader(r, int64(info.DataBytes))
	return &WAVSource{ReaderSource: NewReaderSource(data, chunkBytes, pace), Info: info}, nil
}

func readWAVHeader(r io.Reader) (WAVInfo, error) {
	var info WAVInfo

	riff := make([]byte, 12)
	if _, err := io.ReadFull(r, riff); err != nil {
		return info, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}

	var haveFmt bool
	hdr := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return info, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("%w: fmt chunk too short", ErrNotWAV)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return info, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
			info.Format = binary.LittleEndian.Uint16(body[0:2])
			info.Channels = binary.LittleEndian.Uint16(body[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			if info.Format != 1 || info.BitsPerSample != 16 {
				return info, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedFormat, info.Format, info.BitsPerSample)
			}
			info.DataBytes = size
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return info, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
		}
	}
}
