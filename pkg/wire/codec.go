// Package wire implements the Wayland wire codec: framing, argument
// decoding against a schema.Schema, and ancillary file-descriptor
// transport over a Unix stream socket. This is the "generated codec"
// that a wayland-scanner-style tool would normally emit per interface,
// generalized here to run at runtime from the schema instead.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"wlmitm/pkg/objmap"
	"wlmitm/pkg/schema"
)

// Direction tells a Reader whether to resolve opcodes against a schema
// interface's request table or its event table; the two directions
// (downstream requests, upstream events) never share an opcode space.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionEvent
)

// MaxMessageSize is Wayland's wire limit on one message, header included.
const MaxMessageSize = 4096

// MaxFds is the kernel's usual SCM_RIGHTS ceiling on file descriptors
// per message. Reader and Writer do not check it.
const MaxFds = 28

var byteOrder = binary.LittleEndian

// ObjectLookup is the subset of *objmap.Map the codec needs to resolve a
// message's target interface. Session's ObjectMap satisfies it directly.
type ObjectLookup interface {
	Lookup(id uint32) (objmap.Binding, bool)
}

// Value is one decoded request/event argument.
type Value struct {
	Type ArgType

	Int    int32
	Uint   uint32
	Fixed  Fixed
	Str    string
	Object uint32
	Array  []byte
	FD     int

	// NewID fields: NewID is always the allocated id. NewIDInterface and
	// NewIDVersion are resolved either from the schema (typed new_id) or
	// from the inline interface+version strings on the wire (untyped
	// new_id, e.g. wl_registry.bind).
	NewID          uint32
	NewIDInterface string
	NewIDVersion   uint32
}

// ArgType re-exports schema.ArgType so callers outside this package don't
// need to import schema just to compare argument kinds.
type ArgType = schema.ArgType

const (
	ArgInt    = schema.ArgInt
	ArgUint   = schema.ArgUint
	ArgFixed  = schema.ArgFixed
	ArgString = schema.ArgString
	ArgObject = schema.ArgObject
	ArgNewID  = schema.ArgNewID
	ArgArray  = schema.ArgArray
	ArgFD     = schema.ArgFD
)

// Message is one fully parsed Wayland request or event.
type Message struct {
	ObjectID uint32
	Opcode   uint16

	// TargetInterface is the interface bound to ObjectID, resolved via
	// ObjectLookup, regardless of whether the schema also knows it.
	TargetInterface string

	// Descriptor is nil when TargetInterface is not present in the
	// schema: the message is forwarded opaquely.
	Descriptor *schema.Message
	Args       []Value

	// Payload is the raw, still-encoded argument bytes following the
	// 8-byte header. Forwarding never needs to re-marshal Args: the
	// proxy forwards this slice verbatim or drops the message whole,
	// and never mutates argument payloads in place.
	Payload []byte
	Fds     []int
}

// IsConstructor reports whether this message allocates a new object.
func (m *Message) IsConstructor() bool {
	return m.Descriptor != nil && m.Descriptor.Constructor
}

// IsDestructor reports whether this message destroys its receiver.
func (m *Message) IsDestructor() bool {
	return m.Descriptor != nil && m.Descriptor.Destructor
}

// Reader parses a stream of bytes plus an ancillary fd queue into
// Messages, buffering partial frames across calls to Next. No message
// is emitted until it is fully parsed with all of its fds available.
type Reader struct {
	conn      *net.UnixConn
	schema    *schema.Schema
	objects   ObjectLookup
	direction Direction

	buf []byte
	fds []int
}

// NewReader returns a Reader pulling bytes and ancillary fds from conn,
// resolving opcodes in the given direction.
func NewReader(conn *net.UnixConn, s *schema.Schema, objects ObjectLookup, dir Direction) *Reader {
	return &Reader{conn: conn, schema: s, objects: objects, direction: dir}
}

// Next returns the next fully-framed message, reading from the socket as
// needed. It returns an error wrapping the underlying I/O or protocol
// failure; callers should treat any error as session-terminating.
func (r *Reader) Next() (*Message, error) {
	for {
		msg, consumed, err := r.tryParse()
		if err != nil {
			return nil, err
		}
		if consumed {
			return msg, nil
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) fill() error {
	b := make([]byte, 4096)
	oob := make([]byte, 512) // room for several SCM_RIGHTS fds

	n, oobn, _, _, err := r.conn.ReadMsgUnix(b, oob)
	if err != nil {
		return err
	}
	if n == 0 && oobn == 0 {
		return fmt.Errorf("wire: connection closed")
	}
	r.buf = append(r.buf, b[:n]...)

	if oobn > 0 {
		scms, err := syscall.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("wire: parsing ancillary data: %w", err)
		}
		for _, scm := range scms {
			rights, err := syscall.ParseUnixRights(&scm)
			if err != nil {
				return fmt.Errorf("wire: parsing SCM_RIGHTS: %w", err)
			}
			r.fds = append(r.fds, rights...)
		}
	}
	return nil
}

// tryParse attempts to parse one message out of the buffered bytes.
// consumed is false (with a nil error) when more bytes are needed.
func (r *Reader) tryParse() (msg *Message, consumed bool, err error) {
	if len(r.buf) < 8 {
		return nil, false, nil
	}

	objectID := byteOrder.Uint32(r.buf[0:4])
	sizeOpcode := byteOrder.Uint32(r.buf[4:8])
	size := int(sizeOpcode >> 16)
	opcode := uint16(sizeOpcode & 0xffff)

	if size < 8 || size > MaxMessageSize {
		return nil, false, fmt.Errorf("wire: invalid message size %d for object %d opcode %d", size, objectID, opcode)
	}
	if len(r.buf) < size {
		return nil, false, nil
	}

	payload := make([]byte, size-8)
	copy(payload, r.buf[8:size])
	r.buf = r.buf[size:]

	binding, ok := r.objects.Lookup(objectID)
	if !ok {
		return nil, false, fmt.Errorf("wire: message targets unknown object id %d", objectID)
	}

	m := &Message{
		ObjectID:        objectID,
		Opcode:          opcode,
		TargetInterface: binding.Interface,
		Payload:         payload,
	}

	if !r.schema.HasInterface(binding.Interface) {
		// Opaque forward: safe only when the message carries no fds,
		// which we cannot verify for an unknown interface. Leave Args
		// empty and Fds untouched; the caller (Session) is responsible
		// for warning about this case.
		m.Descriptor = nil
		return m, true, nil
	}

	desc, known := r.lookupDescriptor(binding.Interface, opcode)
	if !known {
		return nil, false, fmt.Errorf("wire: %s has no opcode %d in this direction", binding.Interface, opcode)
	}
	m.Descriptor = desc

	args, fds, err := r.decodeArgs(desc.Args, payload)
	if err != nil {
		return nil, false, fmt.Errorf("wire: decoding %s.%s: %w", binding.Interface, desc.Name, err)
	}
	m.Args = args
	m.Fds = fds
	return m, true, nil
}

func (r *Reader) lookupDescriptor(interfaceName string, opcode uint16) (*schema.Message, bool) {
	if !r.schema.HasInterface(interfaceName) {
		return nil, false
	}
	if r.direction == DirectionRequest {
		return r.schema.LookupRequest(interfaceName, opcode)
	}
	return r.schema.LookupEvent(interfaceName, opcode)
}

func (r *Reader) decodeArgs(argDescs []schema.Arg, payload []byte) ([]Value, []int, error) {
	values := make([]Value, 0, len(argDescs))
	var fds []int
	rest := payload

	for _, ad := range argDescs {
		var v Value
		v.Type = ad.Type

		switch ad.Type {
		case schema.ArgInt:
			u, tail, err := takeUint32(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Int = int32(u)
			rest = tail
		case schema.ArgUint:
			u, tail, err := takeUint32(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Uint = u
			rest = tail
		case schema.ArgFixed:
			u, tail, err := takeUint32(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Fixed = Fixed(int32(u))
			rest = tail
		case schema.ArgObject:
			u, tail, err := takeUint32(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Object = u
			rest = tail
		case schema.ArgString:
			s, tail, err := takeString(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Str = s
			rest = tail
		case schema.ArgArray:
			a, tail, err := takeArray(rest)
			if err != nil {
				return nil, nil, err
			}
			v.Array = a
			rest = tail
		case schema.ArgFD:
			fd, err := r.takeFd()
			if err != nil {
				return nil, nil, err
			}
			v.FD = fd
			fds = append(fds, fd)
		case schema.ArgNewID:
			if ad.Interface == "" {
				// Untyped new_id: wl_registry.bind's inline
				// interface+version+id triple.
				ifaceName, tail, err := takeString(rest)
				if err != nil {
					return nil, nil, err
				}
				version, tail2, err := takeUint32(tail)
				if err != nil {
					return nil, nil, err
				}
				id, tail3, err := takeUint32(tail2)
				if err != nil {
					return nil, nil, err
				}
				v.NewIDInterface = ifaceName
				v.NewIDVersion = version
				v.NewID = id
				rest = tail3
			} else {
				id, tail, err := takeUint32(rest)
				if err != nil {
					return nil, nil, err
				}
				v.NewID = id
				v.NewIDInterface = ad.Interface
				if iface, ok := r.schema.LookupInterface(ad.Interface); ok {
					v.NewIDVersion = uint32(iface.Version)
				} else {
					v.NewIDVersion = 1
				}
				rest = tail
			}
		default:
			return nil, nil, fmt.Errorf("unsupported arg type %q", ad.Type)
		}

		values = append(values, v)
	}

	return values, fds, nil
}

func (r *Reader) takeFd() (int, error) {
	if len(r.fds) == 0 {
		return 0, fmt.Errorf("fd underflow: expected a file descriptor, none pending")
	}
	fd := r.fds[0]
	r.fds = r.fds[1:]
	return fd, nil
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("short read: need 4 bytes, have %d", len(b))
	}
	return byteOrder.Uint32(b[:4]), b[4:], nil
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("short read: string length")
	}
	length := int(byteOrder.Uint32(b[:4]))
	b = b[4:]
	if length == 0 {
		return "", b, nil
	}
	padded := (length + 3) &^ 3
	if len(b) < padded {
		return "", nil, fmt.Errorf("short read: string data")
	}
	s := string(b[:length-1]) // drop the nul terminator
	return s, b[padded:], nil
}

func takeArray(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("short read: array length")
	}
	length := int(byteOrder.Uint32(b[:4]))
	b = b[4:]
	padded := (length + 3) &^ 3
	if len(b) < padded {
		return nil, nil, fmt.Errorf("short read: array data")
	}
	out := make([]byte, length)
	copy(out, b[:length])
	return out, b[padded:], nil
}
