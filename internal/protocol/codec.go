// Package protocol implements the typed, length-prefixed wire format shared by every
// connection class in plast: shim↔daemon, daemon↔daemon, and daemon↔scheduler (spec.md §4.4, §6).
//
// Every message is encoded as a flat sequence of fixed-width little-endian integers,
// u32-length-prefixed strings/blobs, and u32-count-prefixed lists — no reflection, no
// schema evolution machinery, matching the spec's "stable tag IDs for inter-version
// compatibility" requirement literally.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) writeInt32(v int32)   { e.writeUint32(uint32(v)) }
func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) writeByte(v byte) { e.buf.WriteByte(v) }

func (e *encoder) writeBytes(v []byte) {
	e.writeUint32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *encoder) writeString(v string) {
	e.writeBytes([]byte(v))
}

func (e *encoder) writeStringList(v []string) {
	e.writeUint32(uint32(len(v)))
	for _, s := range v {
		e.writeString(s)
	}
}

func (e *encoder) writeCompilerKey(k CompilerKey) {
	e.writeInt32(int32(k.Type))
	e.writeInt32(k.Major)
	e.writeString(k.Target)
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{r: bytes.NewReader(payload)}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) readUint32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(errors.Wrap(err, "read uint32"))
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) readInt32() int32 { return int32(d.readUint32()) }

func (d *decoder) readUint64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(errors.Wrap(err, "read uint64"))
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(errors.Wrap(err, "read byte"))
	}
	return b
}

const maxBlobLen = 1 << 30 // 1GiB sanity ceiling against a corrupt length prefix

func (d *decoder) readBytes() []byte {
	n := d.readUint32()
	if d.err != nil {
		return nil
	}
	if n > maxBlobLen {
		d.fail(errors.Errorf("blob length %d exceeds sanity limit", n))
		return nil
	}
	if n == 0 {
		return nil // an encoded nil or empty blob decodes as nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.fail(errors.Wrap(err, "read blob"))
		return nil
	}
	return buf
}

func (d *decoder) readString() string {
	return string(d.readBytes())
}

func (d *decoder) readStringList() []string {
	n := d.readUint32()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.readString()
	}
	return out
}

func (d *decoder) readCompilerKey() CompilerKey {
	var k CompilerKey
	k.Type = CompilerType(d.readInt32())
	k.Major = d.readInt32()
	k.Target = d.readString()
	return k
}
