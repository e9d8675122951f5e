package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/lib/pq/oid"
)

// Authentication request codes sent by the backend inside an 'R' message.
const (
	AuthOK        = 0
	AuthCleartext = 3
	AuthMD5       = 5
)

// BackendMessage is the closed set of decoded server-to-client messages. The
// connection dispatcher switches exhaustively over these types, so adding a
// new message kind is a compile-time visible change.
type BackendMessage interface {
	backend()
}

// Authentication is an 'R' message carrying an authentication request or the
// final AuthOK. Salt is only meaningful for the MD5 method.
type Authentication struct {
	Method int32
	Salt   [4]byte
}

// BackendKeyData is a 'K' message delivering the cancellation credentials of
// the session during startup.
type BackendKeyData struct {
	PID    int32
	Secret int32
}

// ParameterStatus is an 'S' message reporting a negotiated runtime parameter.
type ParameterStatus struct {
	Name  string
	Value string
}

// Column describes a single field of an upcoming row set, discovered from a
// RowDescription message.
type Column struct {
	Name     string
	TableOID int32
	AttrNum  int16
	TypeOID  oid.Oid
	TypeSize int16
	TypeMod  int32
	Format   int16
}

// RowDescription is a 'T' message delivering the schema of the DataRow
// messages about to be transmitted.
type RowDescription struct {
	Columns []Column
}

// DataRow is a 'D' message carrying one result row. A nil value represents
// SQL NULL.
type DataRow struct {
	Values [][]byte
}

// CommandComplete is a 'C' message marking the end of one executed command.
type CommandComplete struct {
	Tag string
}

// ReadyForQuery is a 'Z' message signalling that the backend finished the
// current cycle and is ready for the next one.
type ReadyForQuery struct {
	TxStatus byte
}

// ErrorResponse is an 'E' message reporting a server-side error. Position is
// zero when the server did not include a cursor position.
type ErrorResponse struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int32
}

// NoticeResponse is an 'N' message carrying a non-error diagnostic, encoded
// exactly like an ErrorResponse.
type NoticeResponse struct {
	Severity string
	Code     string
	Message  string
}

// EmptyQueryResponse is an 'I' message answering an empty query string.
type EmptyQueryResponse struct{}

// ParseComplete is a '1' message acknowledging a Parse.
type ParseComplete struct{}

// BindComplete is a '2' message acknowledging a Bind.
type BindComplete struct{}

// CloseComplete is a '3' message acknowledging a Close.
type CloseComplete struct{}

// NoData is an 'n' message answering a Describe of a statement that returns
// no rows.
type NoData struct{}

// PortalSuspended is an 's' message indicating an Execute row limit was hit.
type PortalSuspended struct{}

// CopyInResponse is a 'G' message opening a copy-in stream. Acknowledged but
// not driven: the connection reports it as unsupported.
type CopyInResponse struct{}

// CopyOutResponse is an 'H' message opening a copy-out stream. Acknowledged
// but not driven, same as CopyInResponse.
type CopyOutResponse struct{}

func (*Authentication) backend()     {}
func (*BackendKeyData) backend()     {}
func (*ParameterStatus) backend()    {}
func (*RowDescription) backend()     {}
func (*DataRow) backend()            {}
func (*CommandComplete) backend()    {}
func (*ReadyForQuery) backend()      {}
func (*ErrorResponse) backend()      {}
func (*NoticeResponse) backend()     {}
func (*EmptyQueryResponse) backend() {}
func (*ParseComplete) backend()      {}
func (*BindComplete) backend()       {}
func (*CloseComplete) backend()      {}
func (*NoData) backend()             {}
func (*PortalSuspended) backend()    {}
func (*CopyInResponse) backend()     {}
func (*CopyOutResponse) backend()    {}

// ParseBackend decodes a fully reassembled typed message into its
// BackendMessage form. The message must carry the complete framed bytes:
// type byte, Int32 length and body.
func ParseBackend(m Message) (BackendMessage, error) {
	if len(m) < 5 {
		return nil, fmt.Errorf("malformed backend message: %d bytes", len(m))
	}
	body := m[5:]

	switch m.Type() {
	case TypeAuthentication:
		return parseAuthentication(body)
	case TypeBackendKeyData:
		if len(body) < 8 {
			return nil, fmt.Errorf("malformed BackendKeyData message")
		}
		return &BackendKeyData{
			PID:    int32(binary.BigEndian.Uint32(body[0:4])),
			Secret: int32(binary.BigEndian.Uint32(body[4:8])),
		}, nil
	case TypeParameterStatus:
		name, rest := readString(body)
		value, _ := readString(rest)
		return &ParameterStatus{Name: name, Value: value}, nil
	case TypeRowDescription:
		return parseRowDescription(body)
	case TypeDataRow:
		return parseDataRow(body)
	case TypeCommandComplete:
		tag, _ := readString(body)
		return &CommandComplete{Tag: tag}, nil
	case TypeReadyForQuery:
		if len(body) < 1 {
			return nil, fmt.Errorf("malformed ReadyForQuery message")
		}
		return &ReadyForQuery{TxStatus: body[0]}, nil
	case TypeErrorResponse:
		return parseErrorResponse(body), nil
	case TypeNoticeResponse:
		e := parseErrorResponse(body)
		return &NoticeResponse{Severity: e.Severity, Code: e.Code, Message: e.Message}, nil
	case TypeEmptyQueryResponse:
		return &EmptyQueryResponse{}, nil
	case TypeParseComplete:
		return &ParseComplete{}, nil
	case TypeBindComplete:
		return &BindComplete{}, nil
	case TypeCloseComplete:
		return &CloseComplete{}, nil
	case TypeNoData:
		return &NoData{}, nil
	case TypePortalSuspended:
		return &PortalSuspended{}, nil
	case TypeCopyInResponse:
		return &CopyInResponse{}, nil
	case TypeCopyOutResponse:
		return &CopyOutResponse{}, nil
	}

	return nil, fmt.Errorf("unrecognized backend message type %q", m.Type())
}

func parseAuthentication(body []byte) (*Authentication, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("malformed Authentication message")
	}
	auth := &Authentication{Method: int32(binary.BigEndian.Uint32(body[0:4]))}
	if auth.Method == AuthMD5 {
		if len(body) < 8 {
			return nil, fmt.Errorf("malformed AuthenticationMD5Password message")
		}
		copy(auth.Salt[:], body[4:8])
	}
	return auth, nil
}

func parseRowDescription(body []byte) (*RowDescription, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("malformed RowDescription message")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]

	cols := make([]Column, 0, count)
	for i := 0; i < count; i++ {
		name, rest := readString(body)
		if len(rest) < 18 {
			return nil, fmt.Errorf("malformed RowDescription field %d", i)
		}
		cols = append(cols, Column{
			Name:     name,
			TableOID: int32(binary.BigEndian.Uint32(rest[0:4])),
			AttrNum:  int16(binary.BigEndian.Uint16(rest[4:6])),
			TypeOID:  oid.Oid(binary.BigEndian.Uint32(rest[6:10])),
			TypeSize: int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeMod:  int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:   int16(binary.BigEndian.Uint16(rest[16:18])),
		})
		body = rest[18:]
	}
	return &RowDescription{Columns: cols}, nil
}

func parseDataRow(body []byte) (*DataRow, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("malformed DataRow message")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]

	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("malformed DataRow value %d", i)
		}
		size := int32(binary.BigEndian.Uint32(body[0:4]))
		body = body[4:]
		if size < 0 {
			values = append(values, nil) // SQL NULL
			continue
		}
		if len(body) < int(size) {
			return nil, fmt.Errorf("malformed DataRow value %d", i)
		}
		values = append(values, body[:size:size])
		body = body[size:]
	}
	return &DataRow{Values: values}, nil
}

// parseErrorResponse reads the field list of an ErrorResponse or
// NoticeResponse, ignoring field types it does not recognize.
// see: https://www.postgresql.org/docs/current/protocol-error-fields.html
func parseErrorResponse(body []byte) *ErrorResponse {
	e := &ErrorResponse{}
	// 'S' is localized by the server's lc_messages; 'V' (9.6+) always carries
	// the English form and takes precedence so severity checks stay reliable
	var nonlocalized bool
	for len(body) > 0 && body[0] != 0 {
		fieldType := body[0]
		value, rest := readString(body[1:])
		body = rest

		switch fieldType {
		case 'S':
			if !nonlocalized {
				e.Severity = value
			}
		case 'V':
			e.Severity = value
			nonlocalized = true
		case 'C':
			e.Code = value
		case 'M':
			e.Message = value
		case 'D':
			e.Detail = value
		case 'H':
			e.Hint = value
		case 'P':
			p, err := strconv.Atoi(value)
			if err == nil {
				e.Position = int32(p)
			}
		}
	}
	return e
}

// readString reads a NULL-terminated string and returns it together with the
// remaining bytes past the terminator.
func readString(b []byte) (string, []byte) {
	idx := bytes.IndexByte(b, 0)
	if idx == -1 {
		return string(b), nil
	}
	return string(b[:idx]), b[idx+1:]
}
