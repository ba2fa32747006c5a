package wire

import (
	"fmt"
	"net"
	"syscall"
)

// Writer serialises messages back onto a Unix stream socket, re-computing
// the 8-byte header and attaching any fds via SCM_RIGHTS ancillary data.
type Writer struct {
	conn *net.UnixConn
}

// NewWriter returns a Writer for conn.
func NewWriter(conn *net.UnixConn) *Writer {
	return &Writer{conn: conn}
}

// Forward re-transmits msg unchanged: header recomputed from the
// (possibly re-ordered, but never here) payload length, raw payload
// bytes copied verbatim, and fds reattached in their original order.
// This is the only way a message leaves the proxy once parsed: the
// proxy only ever makes whole-message drop/keep decisions, never
// argument-level payload mutation.
func (w *Writer) Forward(msg *Message) error {
	return w.write(msg.ObjectID, msg.Opcode, msg.Payload, msg.Fds)
}

// SendError synthesises a wl_display.error event (opcode 0 on the fixed
// display object id 1), used by Session when a filter's reject
// block_type applies.
func (w *Writer) SendError(objectID uint32, code uint32, message string) error {
	args := concat(
		encodeUint32(objectID),
		encodeUint32(code),
		encodeString(message),
	)
	return w.write(objmapDisplayID, 0, args, nil)
}

func (w *Writer) write(objectID uint32, opcode uint16, payload []byte, fds []int) error {
	size := 8 + len(payload)
	if size > MaxMessageSize {
		return fmt.Errorf("wire: message to object %d opcode %d exceeds max size (%d > %d)", objectID, opcode, size, MaxMessageSize)
	}

	buf := make([]byte, size)
	byteOrder.PutUint32(buf[0:4], objectID)
	byteOrder.PutUint32(buf[4:8], uint32(opcode)|uint32(size)<<16)
	copy(buf[8:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}

	return w.writeAll(buf, oob)
}

// writeAll retries short writes until the full message (and its
// ancillary fds, sent with the first chunk) has been transmitted or the
// endpoint fails.
func (w *Writer) writeAll(buf, oob []byte) error {
	for len(buf) > 0 {
		n, _, err := w.conn.WriteMsgUnix(buf, oob, nil)
		if err != nil {
			return err
		}
		buf = buf[n:]
		oob = nil // ancillary data rides only with the first send call
		if n == 0 {
			return fmt.Errorf("wire: write made no progress")
		}
	}
	return nil
}

const objmapDisplayID = uint32(1)

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, v)
	return b
}

// encodeString encodes a Wayland string: uint32 length (including the
// nul terminator), the bytes, then padding to a 4-byte boundary.
func encodeString(s string) []byte {
	raw := append([]byte(s), 0)
	length := len(raw)
	padded := (length + 3) &^ 3
	buf := make([]byte, 4+padded)
	byteOrder.PutUint32(buf[0:4], uint32(length))
	copy(buf[4:], raw)
	return buf
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
