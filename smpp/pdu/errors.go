package pdu

import (
	"errors"

	"github.com/linxGnu/gosmpp/data"
)

var ErrInvalidLength = errors.New("pdu: invalid command length")

// CommandStatus is the header status of a response PDU.
type CommandStatus = data.CommandStatusType

const (
	StatusOK               CommandStatus = 0x00000000 // ESME_ROK
	StatusInvalidMsgLen    CommandStatus = 0x00000001 // ESME_RINVMSGLEN
	StatusInvalidCmdLen    CommandStatus = 0x00000002 // ESME_RINVCMDLEN
	StatusInvalidCommandID CommandStatus = 0x00000003 // ESME_RINVCMDID
	StatusInvalidBindState CommandStatus = 0x00000004 // ESME_RINVBNDSTS
	StatusAlreadyBound     CommandStatus = 0x00000005 // ESME_RALYBND
	StatusSystemError      CommandStatus = 0x00000008 // ESME_RSYSERR
	StatusInvalidSrcAddr   CommandStatus = 0x0000000A // ESME_RINVSRCADR
	StatusInvalidDestAddr  CommandStatus = 0x0000000B // ESME_RINVDSTADR
	StatusBindFail         CommandStatus = 0x0000000D // ESME_RBINDFAIL
	StatusInvalidPasswd    CommandStatus = 0x0000000E // ESME_RINVPASWD
	StatusInvalidSystemID  CommandStatus = 0x0000000F // ESME_RINVSYSID
	StatusSubmitFail       CommandStatus = 0x00000045 // ESME_RSUBMITFAIL
	StatusThrottled        CommandStatus = 0x00000058 // ESME_RTHROTTLED
)

// MapAPIError translates a delivery API error code into the status returned
// on submit_sm_resp. Unknown codes are system errors.
func MapAPIError(code int) CommandStatus {
	switch code {
	case 100, 110:
		return StatusSystemError
	case 150, 280:
		return StatusSubmitFail
	case 720:
		return StatusThrottled
	case 1600, 1800, 1900, 1155:
		return StatusInvalidDestAddr
	case 1110, 1250:
		return StatusInvalidSystemID
	case 1205, 1210, 1215:
		return StatusInvalidMsgLen
	case 1220, 1225:
		return StatusInvalidSrcAddr
	case 1230, 1160:
		return StatusSystemError
	default:
		return StatusSystemError
	}
}
