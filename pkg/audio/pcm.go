package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// wavHeaderSize is the size of the canonical 44-byte RIFF/WAVE PCM header.
const wavHeaderSize = 44

// ErrNotWAV is returned by ReadWAVHeader when the stream lacks a RIFF/WAVE
// signature.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// RMS returns the root-mean-square energy of 16-bit PCM in sample units
// (0 to 32767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Float32Mono down-mixes 16-bit PCM to mono float32 samples in [-1, 1] by
// averaging all channels per frame. A trailing partial frame is ignored.
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (bytesPerSample * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += float32(sampleAt(pcm, i*channels+ch)) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV wraps raw PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * bytesPerSample

	buf := make([]byte, wavHeaderSize+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bytesPerSample*8)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// ReadWAVHeader consumes a RIFF/WAVE header from r and returns the stream
// format. Chunks other than "fmt " are skipped until "data" is reached, so r
// is positioned at the first PCM byte on success. Only 16-bit PCM is accepted.
func ReadWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("audio: read wav header: %w", err)
	}
	if !bytes.Equal(riff[0:4], []byte("RIFF")) || !bytes.Equal(riff[8:12], []byte("WAVE")) {
		return Format{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
		hdr     [8]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("audio: read wav chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("audio: read wav fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return Format{}, fmt.Errorf("audio: unsupported wav encoding %d", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != bytesPerSample*8 {
				return Format{}, fmt.Errorf("audio: unsupported wav bit depth %d", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			return f, f.Validate()
		default:
			// RIFF chunks are word aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, fmt.Errorf("audio: skip wav %q chunk: %w", id, err)
			}
		}
	}
}
