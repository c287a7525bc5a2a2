package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind is the selector byte of a multiplexed frame.
type Kind byte

const (
	Stdin  Kind = 0
	Stdout Kind = 1
	Stderr Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const headerLen = 8

// maxChunk bounds how much of a frame Demux holds in memory at once.
const maxChunk = 32 << 10

// ErrStream marks a read failure on an attached stream.
var ErrStream = errors.New("stream read failed")

// Chunk is one decoded frame payload.
type Chunk struct {
	Kind    Kind
	Payload []byte
}

// Decode splits a buffer of daemon frames into chunks. Frames with an
// unknown selector are skipped, and a truncated trailing frame ends
// decoding without an error.
func Decode(buf []byte) []Chunk {
	var chunks []Chunk
	for len(buf) >= headerLen {
		kind := Kind(buf[0])
		size := binary.BigEndian.Uint32(buf[4:headerLen])
		if uint64(len(buf)-headerLen) < uint64(size) {
			break
		}
		end := headerLen + int(size)
		payload := buf[headerLen:end]
		buf = buf[end:]
		if kind != Stdout && kind != Stderr {
			continue
		}
		chunks = append(chunks, Chunk{Kind: kind, Payload: append([]byte(nil), payload...)})
	}
	return chunks
}

// DecodeRaw handles a TTY stream, which carries no framing: the whole
// buffer becomes a single sanitized stdout chunk.
func DecodeRaw(buf []byte) []Chunk {
	clean := SanitizeOutput(string(buf))
	if clean == "" {
		return nil
	}
	return []Chunk{{Kind: Stdout, Payload: []byte(clean)}}
}

// EncodeFrame builds a single frame for the given selector.
func EncodeFrame(kind Kind, payload []byte) []byte {
	frame := make([]byte, headerLen+len(payload))
	frame[0] = byte(kind)
	binary.BigEndian.PutUint32(frame[4:headerLen], uint32(len(payload)))
	copy(frame[headerLen:], payload)
	return frame
}

// Join concatenates decoded chunks per selector.
func Join(chunks []Chunk) (stdout, stderr []byte) {
	for _, c := range chunks {
		switch c.Kind {
		case Stdout:
			stdout = append(stdout, c.Payload...)
		case Stderr:
			stderr = append(stderr, c.Payload...)
		}
	}
	return stdout, stderr
}

// Demux copies a framed stream into stdout and stderr until the stream
// ends. A stream cut inside a frame is treated as a clean end. Payloads are
// read in chunks of at most maxChunk bytes, so a chunk cut short is
// dropped whole.
func Demux(r io.Reader, stdout, stderr io.Writer) (int64, error) {
	var (
		header  [headerLen]byte
		chunk   []byte
		written int64
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return written, nil
			}
			return written, fmt.Errorf("%w: %v", ErrStream, err)
		}

		var dst io.Writer
		switch Kind(header[0]) {
		case Stdout:
			dst = stdout
		case Stderr:
			dst = stderr
		}

		remaining := int64(binary.BigEndian.Uint32(header[4:]))
		for remaining > 0 {
			n := min(remaining, maxChunk)
			if int64(cap(chunk)) < n {
				chunk = make([]byte, n)
			}
			chunk = chunk[:n]
			if _, err := io.ReadFull(r, chunk); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return written, nil
				}
				return written, fmt.Errorf("%w: %v", ErrStream, err)
			}
			remaining -= n
			if dst == nil {
				continue
			}
			m, err := dst.Write(chunk)
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("%w: write %s: %v", ErrStream, Kind(header[0]), err)
			}
		}
	}
}
