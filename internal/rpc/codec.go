package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single frame's encoded size so a corrupt or
// hostile length prefix cannot make the reader allocate unboundedly.
const maxFrameSize = 64 << 20 // 64 MiB

// wireEnvelope is exactly what travels on the wire for one frame: the
// metadata map plus the (possibly zstd-compressed) payload bytes.
type wireEnvelope struct {
	Meta    Meta   `msgpack:"meta"`
	Payload []byte `msgpack:"payload"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(err) // only fails on invalid options, which we don't pass
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// FrameReader reads framed RPC messages off a byte stream. It is not
// safe for concurrent use by multiple goroutines — spec.md §4.1 puts
// that requirement on the caller, and in this module there is always
// exactly one reader goroutine per connection (internal/broker's
// per-client task).
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReceiveFrame reads one complete frame. It returns io.EOF (unwrapped,
// so callers can errors.Is against it) on a clean end of stream, and a
// wrapped error for anything truncated or malformed.
func (fr *FrameReader) ReceiveFrame() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env wireEnvelope
	if err := msgpack.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	payload := env.Payload
	if env.Meta.Compress {
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		payload = decompressed
	}
	return &Frame{Meta: env.Meta, Payload: payload}, nil
}

// SendFrame encodes and writes f as a single Write call, so concurrent
// callers sharing a connection (which spec.md §4.1 disallows without
// external serialization) would at least not interleave partial
// frames.
func SendFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	if f.Meta.Compress {
		payload = zstdEncoder.EncodeAll(payload, nil)
	}

	data, err := msgpack.Marshal(wireEnvelope{Meta: f.Meta, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendMessage encodes msg to a Frame and writes it.
func SendMessage(w io.Writer, msg *Message) error {
	frame, err := msg.ToFrame()
	if err != nil {
		return err
	}
	return SendFrame(w, frame)
}

func encodeBody(b body) ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func decodeBody(payload []byte) (body, error) {
	var b body
	if len(payload) == 0 {
		return b, nil
	}
	if err := msgpack.Unmarshal(payload, &b); err != nil {
		return body{}, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}
