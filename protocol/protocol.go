// Package protocol implements the binary frame codec for flux-rpc.
//
// It solves TCP's sticky packet problem with a fixed 20-byte header followed
// by a variable-length payload. The receiver reads the header first, learns
// the total frame length, then reads exactly the remaining bytes.
//
// Frame format:
//
//	0        4  5        9  10 11 12              20
//	┌────────┬──┬────────┬──┬──┬──┬───────────────┬──────────────┐
//	│ magic  │v │totalLen│mt│cd│cp│   requestID   │ payload ...  │
//	│CAFEBABE│01│ uint32 │  │  │  │    uint64     │              │
//	└────────┴──┴────────┴──┴──┴──┴───────────────┴──────────────┘
//
// totalLen includes the header, so an empty payload frame carries totalLen 20.
// cd and cp are the codec and compressor tags; Encode downgrades cp to none
// whenever the compressor left the payload unchanged, keeping decompression
// strict on the receiving side.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"flux-rpc/codec"
	"flux-rpc/compress"
	"flux-rpc/rpcerror"
)

const (
	// Magic marks a frame as flux-rpc traffic so foreign bytes on the port
	// (an HTTP client, a port scanner) are rejected at the first read.
	Magic   uint32 = 0xCAFEBABE
	Version byte   = 0x01

	// HeaderLength = 4 (magic) + 1 (version) + 4 (totalLen) + 1 (msgType) +
	// 1 (codec) + 1 (compress) + 8 (requestID).
	HeaderLength = 20

	// MaxFrameSize bounds a single frame on the wire, header included.
	MaxFrameSize = 1 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 1
	MsgTypeResponse  MsgType = 2
	MsgTypeHeartbeat MsgType = 3 // keep-alive probe, never carries a payload
)

// Message is the in-memory form of a frame. Body holds the request or
// response envelope before serialization; it is nil for heartbeats and on
// the decode side, where the payload bytes are returned separately so the
// caller can pick the target type by MsgType.
type Message struct {
	Type        MsgType
	CodecTag    byte
	CompressTag byte
	RequestID   uint64
	Body        any
}

// Encode serializes msg.Body with the message's codec, compresses the result,
// and writes one complete frame to w in a single Write call. Callers sharing
// a writer across goroutines must serialize Encode calls themselves or frames
// will interleave and corrupt the stream.
func Encode(w io.Writer, msg *Message) error {
	var (
		payload     []byte
		codecTag    = msg.CodecTag
		compressTag = msg.CompressTag
	)
	if msg.Body == nil {
		// Heartbeats and other empty frames skip the pipeline entirely.
		codecTag, compressTag = 0, 0
	} else {
		c, err := codec.ByTag(codecTag)
		if err != nil {
			return err
		}
		payload, err = c.Encode(msg.Body)
		if err != nil {
			return err
		}
		cp, err := compress.ByTag(compressTag)
		if err != nil {
			return err
		}
		packed, err := cp.Compress(payload)
		if err != nil {
			return fmt.Errorf("protocol: compress payload: %v: %w", err, rpcerror.ErrCompression)
		}
		// The compressor hands the input back when the payload is below its
		// threshold or did not shrink. The tag on the wire must say none in
		// that case or the peer would decompress raw bytes.
		if len(packed) >= len(payload) {
			compressTag = compress.TypeNone
		} else {
			payload = packed
		}
	}

	total := HeaderLength + len(payload)
	if total > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds limit %d: %w", total, MaxFrameSize, rpcerror.ErrProtocol)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	binary.BigEndian.PutUint32(buf[5:9], uint32(total))
	buf[9] = byte(msg.Type)
	buf[10] = codecTag
	buf[11] = compressTag
	binary.BigEndian.PutUint64(buf[12:20], msg.RequestID)
	copy(buf[HeaderLength:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %v: %w", err, rpcerror.ErrTransport)
	}
	return nil
}

// Decode reads one complete frame from r and returns the header fields plus
// the decompressed payload bytes. The caller decodes the payload into a
// Request or Response via DecodeBody, picking the type by Message.Type.
//
// I/O errors are returned unwrapped so read loops can test for io.EOF;
// protocol violations are wrapped rpcerror kinds.
func Decode(r io.Reader) (*Message, []byte, error) {
	msg, raw, err := DecodeFrame(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err := DecodePayload(msg, raw)
	if err != nil {
		return nil, nil, err
	}
	return msg, payload, nil
}

// DecodeFrame reads one frame's header and raw payload bytes without touching
// the payload pipeline. An error here means the stream itself is broken or
// violates the protocol; the connection cannot be trusted afterwards. A frame
// that survives DecodeFrame has been fully consumed, so a payload-stage
// failure in DecodePayload leaves the stream synchronized and the header's
// request ID usable for an error reply.
func DecodeFrame(r io.Reader) (*Message, []byte, error) {
	// Step 1: read the fixed-size header.
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, err
	}

	// Step 2: magic — reject non-protocol bytes before trusting any field.
	if got := binary.BigEndian.Uint32(header[0:4]); got != Magic {
		return nil, nil, fmt.Errorf("protocol: bad magic %#08x: %w", got, rpcerror.ErrProtocol)
	}

	// Step 3: version.
	if header[4] != Version {
		return nil, nil, fmt.Errorf("protocol: version %d: %w", header[4], rpcerror.ErrUnsupportedVersion)
	}

	// Step 4: total length bounds. totalLen includes the header itself.
	total := binary.BigEndian.Uint32(header[5:9])
	if total < HeaderLength || total > MaxFrameSize {
		return nil, nil, fmt.Errorf("protocol: frame length %d out of bounds: %w", total, rpcerror.ErrProtocol)
	}

	// Step 5: message type.
	msgType := MsgType(header[9])
	switch msgType {
	case MsgTypeRequest, MsgTypeResponse, MsgTypeHeartbeat:
	default:
		return nil, nil, fmt.Errorf("protocol: message type %d: %w", header[9], rpcerror.ErrProtocol)
	}

	msg := &Message{
		Type:        msgType,
		CodecTag:    header[10],
		CompressTag: header[11],
		RequestID:   binary.BigEndian.Uint64(header[12:20]),
	}

	// Step 6: read exactly the remaining bytes of the frame.
	payload := make([]byte, total-HeaderLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	return msg, payload, nil
}

// DecodePayload runs the payload stage on a frame read by DecodeFrame:
// decompress, then check the codec tag is resolvable. Decompression is
// strict: the encoder guarantees the compress tag matches the payload bytes,
// so any failure here is corruption of this one frame, not of the stream.
func DecodePayload(msg *Message, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	cp, err := compress.ByTag(msg.CompressTag)
	if err != nil {
		return nil, err
	}
	payload, err := cp.Decompress(raw)
	if err != nil {
		return nil, err
	}
	if _, err := codec.ByTag(msg.CodecTag); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeBody decodes payload bytes returned by Decode into v using the
// frame's codec tag.
func DecodeBody(codecTag byte, data []byte, v any) error {
	return codec.DecodeByTag(codecTag, data, v)
}
