package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/linxGnu/gosmpp/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAPIError(t *testing.T) {
	cases := map[int]CommandStatus{
		100: StatusSystemError, 110: StatusSystemError,
		150: StatusSubmitFail, 280: StatusSubmitFail,
		720:  StatusThrottled,
		1600: StatusInvalidDestAddr, 1800: StatusInvalidDestAddr, 1900: StatusInvalidDestAddr, 1155: StatusInvalidDestAddr,
		1110: StatusInvalidSystemID, 1250: StatusInvalidSystemID,
		1205: StatusInvalidMsgLen, 1210: StatusInvalidMsgLen, 1215: StatusInvalidMsgLen,
		1220: StatusInvalidSrcAddr, 1225: StatusInvalidSrcAddr,
		1230: StatusSystemError, 1160: StatusSystemError,
		0: StatusSystemError, 9999: StatusSystemError,
	}
	for code, want := range cases {
		assert.Equalf(t, want, MapAPIError(code), "code %d", code)
	}
}

func TestShouldSendReceipt(t *testing.T) {
	assert.True(t, ShouldSendReceipt(1, true))
	assert.True(t, ShouldSendReceipt(1, false))
	assert.False(t, ShouldSendReceipt(2, true))
	assert.True(t, ShouldSendReceipt(2, false))
	assert.True(t, ShouldSendReceipt(3, true))
	assert.False(t, ShouldSendReceipt(3, false))
	assert.False(t, ShouldSendReceipt(0, true))
	assert.False(t, ShouldSendReceipt(0, false))
	assert.True(t, ShouldSendReceipt(0x11, false), "only the low two bits count")
}

func testReceipt(delivered bool, code int) Receipt {
	return Receipt{
		MessageID: "abc123",
		Source:    Address{Addr: "MyBank", TON: 5, NPI: 0},
		Dest:      Address{Addr: "14155551234", TON: 1, NPI: 1},
		Delivered: delivered,
		ErrorCode: code,
		Submitted: time.Date(2024, 3, 9, 8, 7, 30, 0, time.UTC),
		Done:      time.Date(2024, 3, 9, 8, 8, 1, 0, time.FixedZone("CET", 3600)),
	}
}

func TestReceiptText(t *testing.T) {
	assert.Equal(t,
		"id:abc123 sub:001 dlvrd:001 submit date:2403090807 done date:2403090708 stat:DELIVRD err:000 text:",
		testReceipt(true, 0).Text())

	failed := testReceipt(false, 150).Text()
	assert.Contains(t, failed, "stat:UNDELIV")
	assert.Contains(t, failed, "dlvrd:000")
	assert.Contains(t, failed, "err:150")

	assert.Contains(t, testReceipt(false, 7).Text(), "err:007")
	assert.Equal(t, byte(2), testReceipt(true, 0).State())
	assert.Equal(t, byte(5), testReceipt(false, 1).State())
}

func TestReceiptPDURoundTrip(t *testing.T) {
	r := testReceipt(false, 150)
	d, err := r.PDU()
	require.NoError(t, err)

	p, err := Read(bytes.NewReader(Encode(d)))
	require.NoError(t, err)
	got, ok := p.(*DeliverSM)
	require.True(t, ok)

	assert.Equal(t, "14155551234", got.SourceAddr.Address(), "receipt comes from the destination")
	assert.Equal(t, byte(1), got.SourceAddr.Ton())
	assert.Equal(t, "MyBank", got.DestAddr.Address())
	assert.Equal(t, byte(5), got.DestAddr.Ton())
	assert.Equal(t, byte(0x04), got.EsmClass)
	assert.Equal(t, r.Text(), ReceiptText(got))

	id, state := ReceiptFields(got)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, byte(5), state)
}

func TestSubmissionRoundTrip(t *testing.T) {
	s, err := NewSubmitSM(
		Address{Addr: "MyBank", TON: 5},
		Address{Addr: "447911123456", TON: 1, NPI: 1},
		[]byte("Your code is 4821"), data.GSM7BIT, 1)
	require.NoError(t, err)
	s.SetSequenceNumber(42)

	p, err := Read(bytes.NewReader(Encode(s)))
	require.NoError(t, err)
	got, ok := p.(*SubmitSM)
	require.True(t, ok)
	assert.Equal(t, int32(42), got.GetSequenceNumber())

	sub := SubmissionOf(got)
	assert.Equal(t, "MyBank", sub.Source.Addr)
	assert.Equal(t, byte(5), sub.Source.TON)
	assert.Equal(t, "447911123456", sub.Dest.Addr)
	assert.Equal(t, byte(1), sub.Dest.NPI)
	assert.Equal(t, "Your code is 4821", string(sub.Body))
	assert.Equal(t, byte(0), sub.DataCoding)
	assert.Equal(t, byte(1), sub.RegisteredDelivery)
}

// submitBody lays out a submit_sm body field by field.
func submitBody(dest string, dataCoding byte, msg []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0)                 // service_type
	b.Write([]byte{5, 0})          // source ton, npi
	b.WriteString("MyBank\x00")    // source_addr
	b.Write([]byte{1, 1})          // dest ton, npi
	b.WriteString(dest + "\x00")   // destination_addr
	b.Write([]byte{0, 0, 0})       // esm_class, protocol_id, priority_flag
	b.Write([]byte{0, 0})          // schedule_delivery_time, validity_period
	b.Write([]byte{1, 0})          // registered_delivery, replace_if_present_flag
	b.Write([]byte{dataCoding, 0}) // data_coding, sm_default_msg_id
	b.WriteByte(byte(len(msg)))    // sm_length
	b.Write(msg)
	return b.Bytes()
}

func TestSubmissionKeepsRawDataCoding(t *testing.T) {
	ucs2Code := []byte{0x00, 0x34, 0x00, 0x38, 0x00, 0x32, 0x00, 0x31}
	for _, dc := range []byte{0x00, 0x08, 0x18, 0xF4} {
		p, err := Read(bytes.NewReader(frame(0x00000004, 3, submitBody("447911123456", dc, ucs2Code))))
		require.NoError(t, err)
		sm, ok := p.(*SubmitSM)
		require.True(t, ok)

		sub := SubmissionOf(sm)
		assert.Equal(t, dc, sub.DataCoding, "data_coding 0x%02X", dc)
		assert.Equal(t, ucs2Code, sub.Body)
		assert.Equal(t, "447911123456", sub.Dest.Addr)
	}
}

func TestRespondCarriesSequenceAndStatus(t *testing.T) {
	s, err := NewSubmitSM(Address{Addr: "a"}, Address{Addr: "b"}, []byte("x"), data.GSM7BIT, 0)
	require.NoError(t, err)
	s.SetSequenceNumber(7)

	resp := Respond(s, StatusThrottled)
	p, err := Read(bytes.NewReader(Encode(resp)))
	require.NoError(t, err)
	r, ok := p.(*SubmitSMResp)
	require.True(t, ok)
	assert.Equal(t, int32(7), r.GetSequenceNumber())
	assert.Equal(t, StatusThrottled, r.CommandStatus)
}

func frame(commandID uint32, seq uint32, body []byte) []byte {
	b := make([]byte, 16+len(body))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.BigEndian.PutUint32(b[4:8], commandID)
	binary.BigEndian.PutUint32(b[12:16], seq)
	copy(b[16:], body)
	return b
}

func TestReadUnknownCommand(t *testing.T) {
	stream := bytes.NewReader(append(frame(0x00000103, 9, []byte{1, 2, 3}), Encode(Nack(3, StatusOK))...))

	_, err := Read(stream)
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint32(0x00000103), fe.CommandID)
	assert.Equal(t, int32(9), fe.Sequence)
	assert.Equal(t, StatusInvalidCommandID, fe.Status())

	p, err := Read(stream)
	require.NoError(t, err, "stream stays aligned after a bad frame")
	_, ok := p.(*GenericNack)
	assert.True(t, ok)
}

func TestReadRejectsBadLength(t *testing.T) {
	b := frame(0x15, 1, nil)
	binary.BigEndian.PutUint32(b[0:4], 8)
	_, err := Read(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = Read(bytes.NewReader(b[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
