package chain

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// byteOrder is the preferred byte order for all serialized integers. Big
// endian keeps cursor scans over integer keys iterating in order.
var byteOrder = binary.BigEndian

// UnknownElementType is an error returned when the codec is unable to
// encode or decode a particular type.
type UnknownElementType struct {
	method  string
	element interface{}
}

// NewUnknownElementType creates a new UnknownElementType error from the
// passed method name and element.
func NewUnknownElementType(method string, el interface{}) UnknownElementType {
	return UnknownElementType{method: method, element: el}
}

// Error returns the name of the method that encountered the error, as well
// as the type that was unsupported.
func (e UnknownElementType) Error() string {
	return fmt.Sprintf("unknown type in %s: %T", e.method, e.element)
}

// WriteElement serializes a single element into the provided io.Writer.
func WriteElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case int32:
		var scratch [4]byte
		byteOrder.PutUint32(scratch[:], uint32(e))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case uint32:
		var scratch [4]byte
		byteOrder.PutUint32(scratch[:], e)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case int64:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], uint64(e))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case uint64:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], e)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case bool:
		if err := binary.Write(w, byteOrder, e); err != nil {
			return err
		}

	case btcutil.Amount:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], uint64(e))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	// Timestamps are persisted as unix seconds: header times have
	// second granularity on the wire, and the round trip through
	// storage must be exact.
	case time.Time:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], uint64(e.Unix()))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case chainhash.Hash:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case Nullifier:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [ShieldedKeySize]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [ShieldedProofSize]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case wire.OutPoint:
		if err := WriteElement(w, e.Hash); err != nil {
			return err
		}

		return WriteElement(w, e.Index)

	case []byte:
		if err := wire.WriteVarBytes(w, 0, e); err != nil {
			return err
		}

	default:
		return NewUnknownElementType("WriteElement", element)
	}

	return nil
}

// WriteElements serializes a variadic list of elements into the given
// io.Writer.
func WriteElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// ReadElement deserializes a single element from the provided io.Reader.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *int32:
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = int32(byteOrder.Uint32(scratch[:]))

	case *uint32:
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint32(scratch[:])

	case *int64:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = int64(byteOrder.Uint64(scratch[:]))

	case *uint64:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint64(scratch[:])

	case *bool:
		if err := binary.Read(r, byteOrder, e); err != nil {
			return err
		}

	case *btcutil.Amount:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = btcutil.Amount(byteOrder.Uint64(scratch[:]))

	case *time.Time:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = time.Unix(int64(byteOrder.Uint64(scratch[:])), 0)

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *Nullifier:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[ShieldedKeySize]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[ShieldedProofSize]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *wire.OutPoint:
		if err := ReadElement(r, &e.Hash); err != nil {
			return err
		}

		return ReadElement(r, &e.Index)

	case *[]byte:
		bytes, err := wire.ReadVarBytes(r, 0, wire.MaxMessagePayload,
			"byte slice")
		if err != nil {
			return err
		}
		*e = bytes

	default:
		return NewUnknownElementType("ReadElement", element)
	}

	return nil
}

// ReadElements deserializes the provided io.Reader into a variadic list of
// target elements.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}
