package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame layout (spec.md §6): 4-byte little-endian length, 1-byte tag (high bit =
// Compressed flag), payload. The length covers the tag byte plus the payload.
const (
	compressedFlag byte = 0x80
	tagMask        byte = 0x7f
)

// compressibleTags are the two message types the spec calls out as "compressed as a
// whole" (spec.md §6): their preprocessed/object payloads can be tens of MB.
var compressibleTags = map[Tag]bool{
	TagJobMessage:  true,
	TagJobResponse: true,
}

// WriteFrame serializes msg and writes a length-prefixed frame to w. JobMessage and
// JobResponse bodies are zlib-compressed; every other message is sent as-is, matching
// the spec's "signalled by a flag bit in the frame tag byte" rule.
func WriteFrame(w io.Writer, msg Message) error {
	enc := &encoder{}
	msg.encode(enc)
	body := enc.bytes()

	tagByte := byte(msg.Tag())
	if compressibleTags[msg.Tag()] {
		compressed, err := zlibCompress(body)
		if err != nil {
			return errors.Wrap(err, "compress frame body")
		}
		body = compressed
		tagByte |= compressedFlag
	}

	var header [5]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = tagByte
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// ReadFrame reads one frame from r and decodes it into its typed Message.
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // EOF propagates as-is so callers can treat it as a clean close
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > maxBlobLen {
		return nil, errors.Errorf("invalid frame length %d", frameLen)
	}

	rest := make([]byte, frameLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}

	tagByte := rest[0]
	compressed := tagByte&compressedFlag != 0
	tag := Tag(tagByte & tagMask)
	body := rest[1:]

	if compressed {
		decompressed, err := zlibDecompress(body)
		if err != nil {
			return nil, errors.Wrap(err, "decompress frame body")
		}
		body = decompressed
	}

	msg := newByTag(tag)
	if msg == nil {
		return nil, errors.Errorf("unknown message tag %d", tag)
	}

	dec := newDecoder(body)
	msg.decode(dec)
	if dec.err != nil {
		return nil, errors.Wrapf(dec.err, "decode message tag %d", tag)
	}
	return msg, nil
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
