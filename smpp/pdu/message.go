package pdu

import (
	"bytes"

	"github.com/linxGnu/gosmpp/data"
	gopdu "github.com/linxGnu/gosmpp/pdu"
)

const tagMessagePayload gopdu.Tag = 0x0424

// Address is an SMPP address with its type-of-number and numbering plan.
type Address struct {
	Addr string
	TON  byte
	NPI  byte
}

func addressOf(a gopdu.Address) Address {
	return Address{Addr: a.Address(), TON: a.Ton(), NPI: a.Npi()}
}

func (a Address) wire() gopdu.Address {
	out := gopdu.NewAddress()
	out.SetTon(a.TON)
	out.SetNpi(a.NPI)
	_ = out.SetAddress(a.Addr)
	return out
}

// Submission is the part of a submit_sm the gateway acts on.
type Submission struct {
	Source             Address
	Dest               Address
	Body               []byte
	DataCoding         byte
	RegisteredDelivery byte
}

// SubmissionOf extracts addresses, raw body and flags from a submit_sm. A
// message_payload TLV is used when short_message is empty.
func SubmissionOf(s *SubmitSM) Submission {
	sub := Submission{
		Source:             addressOf(s.SourceAddr),
		Dest:               addressOf(s.DestAddr),
		RegisteredDelivery: s.RegisteredDelivery,
	}
	if enc := s.Message.Encoding(); enc != nil {
		sub.DataCoding = enc.DataCoding()
	}
	sub.Body, _ = s.Message.GetMessageData()
	if len(sub.Body) == 0 {
		if f, ok := s.OptionalParameters[tagMessagePayload]; ok {
			sub.Body = f.Data
		}
	}
	return sub
}

// NewSubmitSM builds a submit_sm, used by clients and tests.
func NewSubmitSM(src, dst Address, body []byte, enc data.Encoding, registeredDelivery byte) (*SubmitSM, error) {
	s := gopdu.NewSubmitSM().(*SubmitSM)
	s.SourceAddr = src.wire()
	s.DestAddr = dst.wire()
	if err := s.Message.SetMessageDataWithEncoding(body, enc); err != nil {
		return nil, err
	}
	s.RegisteredDelivery = registeredDelivery
	return s, nil
}

// rawText leaves bodies as bytes. Decoding happens in the coding package.
type rawText struct{}

func (rawText) Encode(str string) ([]byte, error) { return []byte(str), nil }
func (rawText) Decode(b []byte) (string, error) { return string(b), nil }

// keepDataCoding attaches dc to a submit_sm whose data_coding the wire codec
// has no encoding for, so SubmissionOf reports the value the client sent.
func keepDataCoding(sm *SubmitSM, dc byte) {
	body, _ := sm.Message.GetMessageData()
	_ = sm.Message.SetMessageDataWithEncoding(body, data.NewCustomEncoding(dc, rawText{}))
}

// submitDataCoding finds the data_coding octet in a submit_sm body.
func submitDataCoding(body []byte) (byte, bool) {
	i := 0
	cstring := func() bool {
		n := bytes.IndexByte(body[i:], 0)
		if n < 0 {
			return false
		}
		i += n + 1
		return true
	}
	octets := func(n int) bool {
		i += n
		return i <= len(body)
	}

	ok := cstring() && // service_type
		octets(2) && cstring() && // source ton, npi, addr
		octets(2) && cstring() && // dest ton, npi, addr
		octets(3) && // esm_class, protocol_id, priority_flag
		cstring() && cstring() && // schedule_delivery_time, validity_period
		octets(2) // registered_delivery, replace_if_present_flag
	if !ok || i >= len(body) {
		return 0, false
	}
	return body[i], true
}
