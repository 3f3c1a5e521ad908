package rdma

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/shamaton/msgpack/v2"
)

// ObjectKind tags the variants of Object.
type ObjectKind uint8

// Object kinds.
const (
	ObjectLocal ObjectKind = iota + 1
	ObjectRemote
	ObjectValue
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectLocal:
		return "local"
	case ObjectRemote:
		return "remote"
	case ObjectValue:
		return "value"
	default:
		return fmt.Sprintf("object(%d)", uint8(k))
	}
}

// Object is what SendMR and ReceiveMR exchange. The set of implementations
// is closed: LocalObject, RemoteObject and ValueObject.
//
// Memory objects change variant in transit. Sending a LocalObject exports the
// region and the peer receives a RemoteObject for it; sending a RemoteObject
// that names the peer's own memory hands it back as a LocalObject.
type Object interface {
	Kind() ObjectKind
	isObject()
}

// LocalObject carries a region of this process's memory. A received
// LocalObject holds a reference the receiver must Release.
type LocalObject struct {
	Region *LocalMemoryRegion
}

// Kind implements Object.
func (LocalObject) Kind() ObjectKind { return ObjectLocal }
func (LocalObject) isObject()        {}

// RemoteObject carries a capability for a peer's memory.
type RemoteObject struct {
	Region RemoteMemoryRegion
}

// Kind implements Object.
func (RemoteObject) Kind() ObjectKind { return ObjectRemote }
func (RemoteObject) isObject()        {}

// ValueObject carries a msgpack-encoded value and the Go type name it was
// encoded from.
type ValueObject struct {
	TypeName string
	Payload  []byte
}

// Kind implements Object.
func (ValueObject) Kind() ObjectKind { return ObjectValue }
func (ValueObject) isObject()        {}

// NewValue encodes v.
func NewValue(v any) (ValueObject, error) {
	if v == nil {
		return ValueObject{}, fmt.Errorf("%w: nil value", ErrTypeMismatch)
	}

	payload, err := msgpack.Marshal(v)
	if err != nil {
		return ValueObject{}, fmt.Errorf("encode %T: %w", v, err)
	}

	return ValueObject{TypeName: typeName(reflect.TypeOf(v)), Payload: payload}, nil
}

// Decode unmarshals the value into v, which must point to the type it was
// encoded from.
func (o ValueObject) Decode(v any) error {
	t := reflect.TypeOf(v)
	if t == nil || t.Kind() != reflect.Pointer {
		return fmt.Errorf("decode into %T: want a pointer", v)
	}

	if name := typeName(t.Elem()); name != o.TypeName {
		return fmt.Errorf("%w: value is %s, not %s", ErrTypeMismatch, o.TypeName, name)
	}

	if err := msgpack.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, o.TypeName, err)
	}

	return nil
}

// typeName names t without pointer indirections.
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.PkgPath() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}

// marshalObjectPayload lays out an object as tag u8 | reserved u8 | name length u16 | name | body.
func marshalObjectPayload(tag ObjectKind, name string, body []byte) ([]byte, error) {
	if len(name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: type name of %d bytes", ErrMessageTooLarge, len(name))
	}

	b := make([]byte, 0, objectHeaderSize+len(name)+len(body))
	b = append(b, byte(tag), 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
	b = append(b, name...)

	return append(b, body...), nil
}

func parseObjectPayload(p []byte) (ObjectKind, string, []byte, error) {
	if len(p) < objectHeaderSize {
		return 0, "", nil, fmt.Errorf("%w: short object header", ErrProtocol)
	}

	tag := ObjectKind(p[0])
	n := int(binary.BigEndian.Uint16(p[2:4]))

	if len(p) < objectHeaderSize+n {
		return 0, "", nil, fmt.Errorf("%w: object name overruns payload", ErrProtocol)
	}

	return tag, string(p[objectHeaderSize : objectHeaderSize+n]), p[objectHeaderSize+n:], nil
}
