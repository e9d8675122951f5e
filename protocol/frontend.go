package protocol

import (
	"crypto/md5"
	"fmt"

	"github.com/jackc/pgio"
)

// ProtocolVersion is the only frontend/backend protocol version supported by
// this package, encoded as two consecutive 2-byte integers (3.0).
const ProtocolVersion = 196608

// cancelRequestCode is the special version-slot value identifying a
// CancelRequest on a fresh connection.
const cancelRequestCode = 80877102

// StartupMessage creates the untyped message that opens every session. args
// carries the connection parameters (user, database, charset and friends) as
// pairs of NULL-terminated key-values, terminated by a final NULL.
func StartupMessage(args map[string]string) Message {
	msg := pgio.AppendInt32(nil, -1)
	msg = pgio.AppendInt32(msg, ProtocolVersion)
	for k, v := range args {
		msg = append(msg, k...)
		msg = append(msg, 0)
		msg = append(msg, v...)
		msg = append(msg, 0)
	}
	msg = append(msg, 0)

	pgio.SetInt32(msg, int32(len(msg)))
	return msg
}

// PasswordMessage creates a 'p' message carrying a password response to an
// authentication request. For MD5 challenges the password must already be the
// salted hash produced by MD5Password.
func PasswordMessage(password string) Message {
	msg := []byte{Password}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, password...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// MD5Password computes the response to an MD5 authentication challenge:
// concat('md5', md5(concat(md5(concat(password, username)), salt)))
func MD5Password(user, password string, salt [4]byte) string {
	puHash := fmt.Sprintf("%x", md5.Sum([]byte(password+user)))
	return fmt.Sprintf("md5%x", md5.Sum(append([]byte(puHash), salt[:]...)))
}

// SimpleQuery creates a 'Q' message carrying a single SQL string to be
// executed over the simple protocol.
func SimpleQuery(sql string) Message {
	msg := []byte{Query}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, sql...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// ParseMessage creates a 'P' message asking the backend to parse sql into a
// prepared statement under the provided name. Parameter types are left for
// the backend to infer.
func ParseMessage(name, sql string) Message {
	msg := []byte{Parse}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, name...)
	msg = append(msg, 0)
	msg = append(msg, sql...)
	msg = append(msg, 0)
	msg = pgio.AppendInt16(msg, 0) // no pre-specified parameter OIDs

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// BindMessage creates a 'B' message binding params to the prepared statement
// under an unnamed portal. All parameters and all result columns use the text
// format.
func BindMessage(portal, statement string, params [][]byte) Message {
	msg := []byte{Bind}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, portal...)
	msg = append(msg, 0)
	msg = append(msg, statement...)
	msg = append(msg, 0)
	msg = pgio.AppendInt16(msg, 0) // parameter format codes: all text
	msg = pgio.AppendInt16(msg, int16(len(params)))
	for _, p := range params {
		if p == nil {
			msg = pgio.AppendInt32(msg, -1) // NULL
			continue
		}
		msg = pgio.AppendInt32(msg, int32(len(p)))
		msg = append(msg, p...)
	}
	msg = pgio.AppendInt16(msg, 0) // result format codes: all text

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// DescribeMessage creates a 'D' message requesting a description of a
// prepared statement ('S') or portal ('P').
func DescribeMessage(objectType byte, name string) Message {
	msg := []byte{Describe}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, objectType)
	msg = append(msg, name...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// ExecuteMessage creates an 'E' message running a bound portal. A maxRows of
// zero fetches all rows.
func ExecuteMessage(portal string, maxRows int32) Message {
	msg := []byte{Execute}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, portal...)
	msg = append(msg, 0)
	msg = pgio.AppendInt32(msg, maxRows)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// SyncMessage creates an 'S' message closing an extended-protocol cycle. The
// backend answers the whole cycle with a ReadyForQuery.
func SyncMessage() Message {
	return Message{Sync, 0, 0, 0, 4}
}

// CloseMessage creates a 'C' message releasing a prepared statement ('S') or
// portal ('P') on the backend.
func CloseMessage(objectType byte, name string) Message {
	msg := []byte{Close}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, objectType)
	msg = append(msg, name...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// TerminateMessage creates an 'X' message announcing a graceful disconnect.
func TerminateMessage() Message {
	return Message{Terminate, 0, 0, 0, 4}
}

// CancelRequestMessage creates the untyped message that asks the backend to
// cancel the query currently running on another session. It must be sent on
// a fresh connection carrying the pid and secret obtained from that session's
// BackendKeyData, and the connection closed right after.
func CancelRequestMessage(pid, secret int32) Message {
	msg := pgio.AppendInt32(nil, 16)
	msg = pgio.AppendInt32(msg, cancelRequestCode)
	msg = pgio.AppendInt32(msg, pid)
	msg = pgio.AppendInt32(msg, secret)
	return msg
}
