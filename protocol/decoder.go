package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decoder incrementally reassembles typed backend messages from a byte
// stream. Chunks may be split or merged at arbitrary boundaries; the decoder
// keeps at most one partially received message in flight (the protocol never
// interleaves messages) and hands out complete messages strictly in arrival
// order.
type Decoder struct {
	// reassembly state of the in-flight message
	typ     byte   // type byte, 0 while between messages
	need    int    // full framed size once the header arrived, 0 before
	partial []byte // framed bytes accumulated so far
}

// Feed appends a chunk of raw stream bytes and returns every message that
// became complete, decoded and in arrival order. A decode failure leaves the
// decoder unusable: the stream is presumed desynchronized past the point of
// error.
func (d *Decoder) Feed(chunk []byte) ([]BackendMessage, error) {
	d.partial = append(d.partial, chunk...)

	var out []BackendMessage
	for {
		if d.need == 0 {
			if len(d.partial) < 5 {
				return out, nil // header not yet complete
			}
			d.typ = d.partial[0]
			if !knownBackendType(d.typ) {
				return out, fmt.Errorf("unrecognized backend message type %q", d.typ)
			}
			bodyLen := int(binary.BigEndian.Uint32(d.partial[1:5]))
			if bodyLen < 4 {
				return out, fmt.Errorf("malformed message length %d for type %q", bodyLen, d.typ)
			}
			d.need = 1 + bodyLen
		}

		if len(d.partial) < d.need {
			return out, nil
		}

		framed := Message(d.partial[:d.need:d.need])
		rest := d.partial[d.need:]
		d.partial = append([]byte(nil), rest...)
		d.typ, d.need = 0, 0

		msg, err := ParseBackend(framed)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

// Pending reports how many buffered bytes belong to a not-yet-complete
// message.
func (d *Decoder) Pending() int {
	return len(d.partial)
}

func knownBackendType(t byte) bool {
	switch t {
	case TypeAuthentication, TypeBackendKeyData, TypeParameterStatus,
		TypeRowDescription, TypeDataRow, TypeCommandComplete,
		TypeReadyForQuery, TypeErrorResponse, TypeNoticeResponse,
		TypeEmptyQueryResponse, TypeParseComplete, TypeBindComplete,
		TypeCloseComplete, TypeNoData, TypePortalSuspended,
		TypeCopyInResponse, TypeCopyOutResponse:
		return true
	}
	return false
}
