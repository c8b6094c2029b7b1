package pdu

import (
	"fmt"
	"time"

	"github.com/linxGnu/gosmpp/data"
	gopdu "github.com/linxGnu/gosmpp/pdu"
)

const (
	tagReceiptedMessageID gopdu.Tag = 0x001E
	tagMessageState       gopdu.Tag = 0x0427

	esmClassDeliveryReceipt byte = 0x04

	stateDelivered     byte = 2
	stateUndeliverable byte = 5

	receiptDateLayout = "0601021504"
)

// ShouldSendReceipt applies the registered_delivery flags of the original
// submit_sm: 1 on any outcome, 2 on failure only, 3 on success only.
func ShouldSendReceipt(registeredDelivery byte, delivered bool) bool {
	switch registeredDelivery & 0x03 {
	case 1:
		return true
	case 2:
		return !delivered
	case 3:
		return delivered
	default:
		return false
	}
}

// Receipt is a delivery receipt for one submission. Source and Dest are the
// addresses of the original submit_sm; the receipt swaps them.
type Receipt struct {
	MessageID string
	Source    Address
	Dest      Address
	Delivered bool
	ErrorCode int
	Submitted time.Time
	Done      time.Time
}

func (r Receipt) stat() (dlvrd, stat string) {
	if r.Delivered {
		return "001", "DELIVRD"
	}
	return "000", "UNDELIV"
}

// Text is the receipt body in the customary id/sub/dlvrd/.../text: layout.
func (r Receipt) Text() string {
	dlvrd, stat := r.stat()
	return fmt.Sprintf("id:%s sub:001 dlvrd:%s submit date:%s done date:%s stat:%s err:%03d text:",
		r.MessageID,
		dlvrd,
		r.Submitted.UTC().Format(receiptDateLayout),
		r.Done.UTC().Format(receiptDateLayout),
		stat,
		r.ErrorCode,
	)
}

// State is the message_state TLV value.
func (r Receipt) State() byte {
	if r.Delivered {
		return stateDelivered
	}
	return stateUndeliverable
}

// PDU builds the deliver_sm carrying the receipt.
func (r Receipt) PDU() (*DeliverSM, error) {
	d := gopdu.NewDeliverSM().(*DeliverSM)
	d.SourceAddr = r.Dest.wire()
	d.DestAddr = r.Source.wire()
	d.EsmClass = esmClassDeliveryReceipt
	d.RegisteredDelivery = 0
	if err := d.Message.SetMessageDataWithEncoding([]byte(r.Text()), data.GSM7BIT); err != nil {
		return nil, err
	}
	d.RegisterOptionalParam(gopdu.Field{Tag: tagReceiptedMessageID, Data: append([]byte(r.MessageID), 0)})
	d.RegisterOptionalParam(gopdu.Field{Tag: tagMessageState, Data: []byte{r.State()}})
	return d, nil
}

// ReceiptFields reads the receipted id and state back from a deliver_sm.
func ReceiptFields(d *DeliverSM) (messageID string, state byte) {
	if f, ok := d.OptionalParameters[tagReceiptedMessageID]; ok {
		id := f.Data
		if n := len(id); n > 0 && id[n-1] == 0 {
			id = id[:n-1]
		}
		messageID = string(id)
	}
	if f, ok := d.OptionalParameters[tagMessageState]; ok && len(f.Data) > 0 {
		state = f.Data[0]
	}
	return messageID, state
}

// ReceiptText returns the raw body of a deliver_sm.
func ReceiptText(d *DeliverSM) string {
	b, _ := d.Message.GetMessageData()
	return string(b)
}
