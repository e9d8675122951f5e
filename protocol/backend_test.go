package protocol

import (
	"testing"

	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"
)

func parseOne(t *testing.T, frame []byte) BackendMessage {
	d := &Decoder{}
	msgs, err := d.Feed(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestParseBackend_AuthenticationMD5(t *testing.T) {
	frame := (&pgproto3.AuthenticationMD5Password{Salt: [4]byte{9, 8, 7, 6}}).Encode(nil)

	auth, ok := parseOne(t, frame).(*Authentication)
	require.True(t, ok)
	require.EqualValues(t, AuthMD5, auth.Method)
	require.Equal(t, [4]byte{9, 8, 7, 6}, auth.Salt)
}

func TestParseBackend_AuthenticationCleartext(t *testing.T) {
	frame := (&pgproto3.AuthenticationCleartextPassword{}).Encode(nil)

	auth, ok := parseOne(t, frame).(*Authentication)
	require.True(t, ok)
	require.EqualValues(t, AuthCleartext, auth.Method)
}

func TestParseBackend_ErrorResponse(t *testing.T) {
	frame := (&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "42601",
		Message:  `syntax error at or near "SELEC"`,
		Hint:     "did you mean SELECT?",
		Position: 1,
	}).Encode(nil)

	errMsg, ok := parseOne(t, frame).(*ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "ERROR", errMsg.Severity)
	require.Equal(t, "42601", errMsg.Code)
	require.Equal(t, `syntax error at or near "SELEC"`, errMsg.Message)
	require.Equal(t, "did you mean SELECT?", errMsg.Hint)
	require.EqualValues(t, 1, errMsg.Position)
}

// errorResponseFrame hand-builds an 'E' frame from raw (fieldType, value)
// pairs, for field combinations pgproto3 does not emit.
func errorResponseFrame(fields ...string) []byte {
	msg := []byte{TypeErrorResponse}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	for i := 0; i < len(fields); i += 2 {
		msg = append(msg, fields[i][0])
		msg = append(msg, fields[i+1]...)
		msg = append(msg, 0)
	}
	msg = append(msg, 0)
	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return msg
}

// A server running a translated locale localizes the 'S' severity field; the
// nonlocalized 'V' field must win regardless of field order.
func TestParseBackend_NonlocalizedSeverity(t *testing.T) {
	frame := errorResponseFrame(
		"S", "FATALE",
		"V", "FATAL",
		"C", "57P01",
		"M", "fin de connexion",
	)
	errMsg, ok := parseOne(t, frame).(*ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "FATAL", errMsg.Severity)

	frame = errorResponseFrame(
		"V", "FATAL",
		"S", "FATALE",
		"C", "57P01",
		"M", "fin de connexion",
	)
	errMsg, ok = parseOne(t, frame).(*ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "FATAL", errMsg.Severity)

	// pre-9.6 servers only send 'S'
	frame = errorResponseFrame("S", "ERROR", "C", "42601", "M", "syntax error")
	errMsg, ok = parseOne(t, frame).(*ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "ERROR", errMsg.Severity)
}

func TestParseBackend_NoticeResponse(t *testing.T) {
	frame := (&pgproto3.NoticeResponse{
		Severity: "NOTICE",
		Code:     "00000",
		Message:  "relation already exists, skipping",
	}).Encode(nil)

	notice, ok := parseOne(t, frame).(*NoticeResponse)
	require.True(t, ok)
	require.Equal(t, "NOTICE", notice.Severity)
	require.Equal(t, "relation already exists, skipping", notice.Message)
}

func TestParseBackend_EmptyQueryResponse(t *testing.T) {
	frame := (&pgproto3.EmptyQueryResponse{}).Encode(nil)
	require.IsType(t, &EmptyQueryResponse{}, parseOne(t, frame))
}

func TestParseBackend_ExtendedAcks(t *testing.T) {
	d := &Decoder{}
	buf := (&pgproto3.ParseComplete{}).Encode(nil)
	buf = (&pgproto3.BindComplete{}).Encode(buf)
	buf = (&pgproto3.NoData{}).Encode(buf)
	buf = (&pgproto3.CloseComplete{}).Encode(buf)
	buf = (&pgproto3.PortalSuspended{}).Encode(buf)

	msgs, err := d.Feed(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	require.IsType(t, &ParseComplete{}, msgs[0])
	require.IsType(t, &BindComplete{}, msgs[1])
	require.IsType(t, &NoData{}, msgs[2])
	require.IsType(t, &CloseComplete{}, msgs[3])
	require.IsType(t, &PortalSuspended{}, msgs[4])
}

func TestParseBackend_RowDescriptionFormat(t *testing.T) {
	frame := (&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{
			Name:                 []byte("flag"),
			TableOID:             1259,
			TableAttributeNumber: 2,
			DataTypeOID:          16,
			DataTypeSize:         1,
			TypeModifier:         -1,
			Format:               0,
		},
	}}).Encode(nil)

	desc, ok := parseOne(t, frame).(*RowDescription)
	require.True(t, ok)
	require.Len(t, desc.Columns, 1)
	col := desc.Columns[0]
	require.Equal(t, "flag", col.Name)
	require.EqualValues(t, 1259, col.TableOID)
	require.EqualValues(t, 2, col.AttrNum)
	require.EqualValues(t, 16, col.TypeOID)
	require.EqualValues(t, 1, col.TypeSize)
	require.EqualValues(t, -1, col.TypeMod)
	require.EqualValues(t, 0, col.Format)
}

func TestMessageType(t *testing.T) {
	require.Equal(t, byte('E'), Message((&pgproto3.ErrorResponse{Severity: "ERROR"}).Encode(nil)).Type())
	require.True(t, Message((&pgproto3.ErrorResponse{Severity: "ERROR"}).Encode(nil)).IsError())
	require.Equal(t, byte(0), Message(nil).Type())
}
