package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	gopdu "github.com/linxGnu/gosmpp/pdu"
)

// Types the session engine works with, taken from the wire codec.
type (
	PDU             = gopdu.PDU
	BindRequest     = gopdu.BindRequest
	BindResp        = gopdu.BindResp
	SubmitSM        = gopdu.SubmitSM
	SubmitSMResp    = gopdu.SubmitSMResp
	DeliverSM       = gopdu.DeliverSM
	DeliverSMResp   = gopdu.DeliverSMResp
	EnquireLink     = gopdu.EnquireLink
	EnquireLinkResp = gopdu.EnquireLinkResp
	Unbind          = gopdu.Unbind
	UnbindResp      = gopdu.UnbindResp
	GenericNack     = gopdu.GenericNack
)

const (
	headerLength = 16
	// MaxLength bounds a single inbound PDU.
	MaxLength = 64 * 1024
)

// FrameError is a PDU that was framed correctly but could not be decoded.
// The header fields are kept so the peer can be answered with generic_nack.
type FrameError struct {
	CommandID uint32
	Sequence  int32
	Err       error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("pdu: cannot decode command 0x%08X seq %d: %v", e.CommandID, e.Sequence, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Status is the generic_nack status for the failed frame.
func (e *FrameError) Status() CommandStatus {
	if knownCommand(e.CommandID) {
		return StatusInvalidCmdLen
	}
	return StatusInvalidCommandID
}

func knownCommand(id uint32) bool {
	switch id {
	case 0x00000001, 0x00000002, 0x00000009, // binds
		0x00000004,             // submit_sm
		0x80000005,             // deliver_sm_resp
		0x00000006, 0x80000006, // unbind, unbind_resp
		0x00000015, 0x80000015, // enquire_link, enquire_link_resp
		0x80000000: // generic_nack
		return true
	}
	return false
}

// Read reads one PDU. Framing errors (short reads, absurd lengths) are fatal
// to the stream; decode failures come back as *FrameError and leave the
// stream aligned on the next PDU.
func Read(r io.Reader) (PDU, error) {
	var hdr [headerLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	if length < headerLength || length > MaxLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	frame := make([]byte, length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[headerLength:]); err != nil {
		return nil, err
	}

	p, err := gopdu.Parse(bytes.NewReader(frame))
	if err != nil {
		return nil, &FrameError{
			CommandID: binary.BigEndian.Uint32(hdr[4:8]),
			Sequence:  int32(binary.BigEndian.Uint32(hdr[12:16])),
			Err:       err,
		}
	}
	if sm, ok := p.(*SubmitSM); ok && sm.Message.Encoding() == nil {
		if dc, ok := submitDataCoding(frame[headerLength:]); ok {
			keepDataCoding(sm, dc)
		}
	}
	return p, nil
}

// Encode marshals p into its wire form.
func Encode(p PDU) []byte {
	buf := gopdu.NewBuffer(nil)
	p.Marshal(buf)
	return buf.Bytes()
}

// Respond builds the response to req carrying status.
func Respond(req PDU, status CommandStatus) PDU {
	resp := req.GetResponse()
	resp.SetSequenceNumber(req.GetSequenceNumber())
	SetStatus(resp, status)
	return resp
}

// SetStatus sets the header status on the response types the gateway sends.
func SetStatus(p PDU, status CommandStatus) {
	switch v := p.(type) {
	case *BindResp:
		v.CommandStatus = status
	case *SubmitSMResp:
		v.CommandStatus = status
	case *EnquireLinkResp:
		v.CommandStatus = status
	case *UnbindResp:
		v.CommandStatus = status
	case *DeliverSMResp:
		v.CommandStatus = status
	case *GenericNack:
		v.CommandStatus = status
	}
}

// Nack builds a generic_nack for a request that cannot be answered otherwise.
func Nack(sequence int32, status CommandStatus) PDU {
	n := gopdu.NewGenericNack()
	n.SetSequenceNumber(sequence)
	SetStatus(n, status)
	return n
}

// NewUnbind returns a server-originated unbind.
func NewUnbind() PDU {
	return gopdu.NewUnbind()
}

// BindMode is the session role requested by a bind.
type BindMode string

const (
	ModeTransmitter BindMode = "tx"
	ModeReceiver    BindMode = "rx"
	ModeTransceiver BindMode = "trx"
)

// CanSubmit reports whether a session bound in m may send submit_sm.
func (m BindMode) CanSubmit() bool {
	return m == ModeTransmitter || m == ModeTransceiver
}

func ModeOf(b *BindRequest) BindMode {
	switch b.BindingType {
	case gopdu.Transmitter:
		return ModeTransmitter
	case gopdu.Receiver:
		return ModeReceiver
	default:
		return ModeTransceiver
	}
}

// SubmitResponse answers a submit_sm. messageID is only sent on success.
func SubmitResponse(req *SubmitSM, status CommandStatus, messageID string) PDU {
	resp := Respond(req, status)
	if r, ok := resp.(*SubmitSMResp); ok && status == StatusOK {
		r.MessageID = messageID
	}
	return resp
}

// BindResponse answers a bind with the gateway's own system id.
func BindResponse(req *BindRequest, status CommandStatus, systemID string) PDU {
	resp := Respond(req, status)
	if r, ok := resp.(*BindResp); ok {
		r.SystemID = systemID
	}
	return resp
}

// NewBind builds a bind request of the given mode.
func NewBind(mode BindMode, systemID, password string) *BindRequest {
	t := gopdu.Transceiver
	switch mode {
	case ModeTransmitter:
		t = gopdu.Transmitter
	case ModeReceiver:
		t = gopdu.Receiver
	}
	b := gopdu.NewBindRequest(t)
	b.SystemID = systemID
	b.Password = password
	return b
}

func NewEnquireLink() PDU {
	return gopdu.NewEnquireLink()
}
