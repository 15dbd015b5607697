// Package gateway translates a tag=value order-entry protocol into engine
// commands and engine events into execution reports.
package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// SOH separates fields on the wire.
const SOH = '\x01'

// BeginString is the protocol version sent and accepted in tag 8.
const BeginString = "FIX.4.4"

// maxBodyLength bounds a single inbound message.
const maxBodyLength = 64 << 10

// Tag is a field number.
type Tag int

const (
	TagBeginString         Tag = 8
	TagBodyLength          Tag = 9
	TagCheckSum            Tag = 10
	TagClOrdID             Tag = 11
	TagCumQty              Tag = 14
	TagExecID              Tag = 17
	TagMsgSeqNum           Tag = 34
	TagMsgType             Tag = 35
	TagOrderID             Tag = 37
	TagOrderQty            Tag = 38
	TagOrdStatus           Tag = 39
	TagOrdType             Tag = 40
	TagOrigClOrdID         Tag = 41
	TagPrice               Tag = 44
	TagRefSeqNum           Tag = 45
	TagSenderCompID        Tag = 49
	TagSide                Tag = 54
	TagSymbol              Tag = 55
	TagTargetCompID        Tag = 56
	TagText                Tag = 58
	TagLastPx              Tag = 31
	TagLastQty             Tag = 32
	TagCxlRejReason        Tag = 102
	TagOrdRejReason        Tag = 103
	TagHeartBtInt          Tag = 108
	TagTestReqID           Tag = 112
	TagExecType            Tag = 150
	TagLeavesQty           Tag = 151
	TagRefTagID            Tag = 371
	TagSessionRejectReason Tag = 373
	TagCxlRejResponseTo    Tag = 434
)

// MsgType values handled by the gateway.
const (
	MsgHeartbeat          = "0"
	MsgTestRequest        = "1"
	MsgReject             = "3"
	MsgLogout             = "5"
	MsgExecutionReport    = "8"
	MsgOrderCancelReject  = "9"
	MsgLogon              = "A"
	MsgNewOrderSingle     = "D"
	MsgOrderCancelRequest = "F"
	MsgOrderReplace       = "G"
)

var (
	// ErrMalformed is returned for bytes that are not a well-formed message.
	ErrMalformed = errors.New("malformed message")
	// ErrBadChecksum is returned when tag 10 does not match the message bytes.
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Field is one tag=value pair.
type Field struct {
	Tag   Tag
	Value string
}

// Message is an ordered list of fields. Header fields 8, 9 and 10 are
// managed by Encode and stripped by Decode.
type Message struct {
	Fields []Field
}

// NewMessage creates a message of the given type.
func NewMessage(msgType string) Message {
	return Message{Fields: []Field{{Tag: TagMsgType, Value: msgType}}}
}

// Type returns the value of tag 35.
func (m Message) Type() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// Get returns the first value of tag.
func (m Message) Get(tag Tag) (string, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// Add appends a field and returns the message for chaining.
func (m *Message) Add(tag Tag, value string) *Message {
	m.Fields = append(m.Fields, Field{Tag: tag, Value: value})
	return m
}

// Set replaces the first field with tag, or appends one.
func (m *Message) Set(tag Tag, value string) *Message {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			m.Fields[i].Value = value
			return m
		}
	}
	return m.Add(tag, value)
}

// String renders the message with '|' in place of SOH, for logs.
func (m Message) String() string {
	var b bytes.Buffer
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "%d=%s|", f.Tag, f.Value)
	}
	return b.String()
}

func checksum(b []byte) int {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Encode serializes m with BeginString, BodyLength and CheckSum computed
// over the result. Header fields already present in m are ignored.
func Encode(m Message) []byte {
	var body bytes.Buffer
	for _, f := range m.Fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum:
			continue
		}
		body.WriteString(strconv.Itoa(int(f.Tag)))
		body.WriteByte('=')
		body.WriteString(f.Value)
		body.WriteByte(SOH)
	}

	var out bytes.Buffer
	out.Grow(body.Len() + 32)
	fmt.Fprintf(&out, "8=%s%c9=%d%c", BeginString, SOH, body.Len(), SOH)
	out.Write(body.Bytes())
	fmt.Fprintf(&out, "10=%03d%c", checksum(out.Bytes()), SOH)
	return out.Bytes()
}

// Decode parses one complete message, verifying BeginString, BodyLength
// and CheckSum.
func Decode(raw []byte) (Message, error) {
	fields, err := splitFields(raw)
	if err != nil {
		return Message{}, err
	}
	if len(fields) < 4 {
		return Message{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}
	if fields[0].Tag != TagBeginString || fields[0].Value != BeginString {
		return Message{}, fmt.Errorf("%w: first field must be 8=%s", ErrMalformed, BeginString)
	}
	if fields[1].Tag != TagBodyLength {
		return Message{}, fmt.Errorf("%w: second field must be 9", ErrMalformed)
	}
	last := fields[len(fields)-1]
	if last.Tag != TagCheckSum {
		return Message{}, fmt.Errorf("%w: last field must be 10", ErrMalformed)
	}

	trailer := bytes.LastIndex(raw[:len(raw)-1], []byte{SOH, '1', '0', '='})
	if trailer < 0 {
		return Message{}, fmt.Errorf("%w: missing trailer", ErrMalformed)
	}
	trailer++ // keep the SOH with the body

	bodyLen, err := strconv.Atoi(fields[1].Value)
	if err != nil {
		return Message{}, fmt.Errorf("%w: body length %q", ErrMalformed, fields[1].Value)
	}
	header := len(fmt.Sprintf("8=%s%c9=%s%c", fields[0].Value, SOH, fields[1].Value, SOH))
	if got := trailer - header; got != bodyLen {
		return Message{}, fmt.Errorf("%w: body length %d, declared %d", ErrMalformed, got, bodyLen)
	}

	want, err := strconv.Atoi(last.Value)
	if err != nil || len(last.Value) != 3 {
		return Message{}, fmt.Errorf("%w: checksum %q", ErrMalformed, last.Value)
	}
	if got := checksum(raw[:trailer]); got != want {
		return Message{}, fmt.Errorf("%w: computed %03d, declared %03d", ErrBadChecksum, got, want)
	}

	m := Message{Fields: fields[2 : len(fields)-1]}
	if len(m.Fields) == 0 || m.Fields[0].Tag != TagMsgType {
		return Message{}, fmt.Errorf("%w: third field must be 35", ErrMalformed)
	}
	return m, nil
}

func splitFields(raw []byte) ([]Field, error) {
	if len(raw) == 0 || raw[len(raw)-1] != SOH {
		return nil, fmt.Errorf("%w: must end with SOH", ErrMalformed)
	}
	parts := bytes.Split(raw[:len(raw)-1], []byte{SOH})
	fields := make([]Field, 0, len(parts))
	for _, p := range parts {
		eq := bytes.IndexByte(p, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: field %q", ErrMalformed, p)
		}
		tag, err := strconv.Atoi(string(p[:eq]))
		if err != nil || tag <= 0 {
			return nil, fmt.Errorf("%w: tag %q", ErrMalformed, p[:eq])
		}
		fields = append(fields, Field{Tag: Tag(tag), Value: string(p[eq+1:])})
	}
	return fields, nil
}

// Reader frames messages from a byte stream using BodyLength.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage returns the raw bytes of the next message. It does not
// validate the checksum; pass the result to Decode.
func (r *Reader) ReadMessage() ([]byte, error) {
	var raw bytes.Buffer

	begin, err := r.r.ReadSlice(SOH)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(begin, []byte("8=")) {
		return nil, fmt.Errorf("%w: expected 8= at message start", ErrMalformed)
	}
	raw.Write(begin)

	length, err := r.r.ReadSlice(SOH)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(length, []byte("9=")) {
		return nil, fmt.Errorf("%w: expected 9= after 8=", ErrMalformed)
	}
	n, err := strconv.Atoi(string(length[2 : len(length)-1]))
	if err != nil || n <= 0 || n > maxBodyLength {
		return nil, fmt.Errorf("%w: body length %q", ErrMalformed, length[2:len(length)-1])
	}
	raw.Write(length)

	// body plus the fixed-width "10=NNN<SOH>" trailer
	rest := make([]byte, n+7)
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return nil, err
	}
	raw.Write(rest)
	return raw.Bytes(), nil
}
