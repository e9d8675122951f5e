package protocol

// frontend message types
const (
	Query     = 'Q'
	Parse     = 'P'
	Bind      = 'B'
	Describe  = 'D'
	Execute   = 'E'
	Sync      = 'S'
	Close     = 'C'
	Terminate = 'X'
	Password  = 'p'
)

// backend message types
const (
	TypeAuthentication     = 'R'
	TypeBackendKeyData     = 'K'
	TypeParameterStatus    = 'S'
	TypeRowDescription     = 'T'
	TypeDataRow            = 'D'
	TypeCommandComplete    = 'C'
	TypeReadyForQuery      = 'Z'
	TypeErrorResponse      = 'E'
	TypeNoticeResponse     = 'N'
	TypeEmptyQueryResponse = 'I'
	TypeParseComplete      = '1'
	TypeBindComplete       = '2'
	TypeCloseComplete      = '3'
	TypeNoData             = 'n'
	TypePortalSuspended    = 's'
	TypeCopyInResponse     = 'G'
	TypeCopyOutResponse    = 'H'
)

// Message is just an alias for a slice of bytes that exposes common operations
// on Postgres' client-server protocol messages.
// see: https://www.postgresql.org/docs/current/protocol-message-formats.html
// for postgres specific list of message formats
type Message []byte

// Type returns a single-char byte representing the message type. The full
// list of available types is available in the aforementioned documentation.
// Untyped messages (startup, cancel request) return 0.
func (m Message) Type() byte {
	var b byte
	if len(m) > 0 {
		b = m[0]
	}
	return b
}

// IsError determines if the message is an ErrorResponse
func (m Message) IsError() bool {
	return m.Type() == TypeErrorResponse
}
