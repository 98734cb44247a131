package radio

import "fmt"

// Error is a radio stack command failure
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("radio: %s (%d)", e.Description, e.Code)
}

// Command failures reported synchronously by a Stack
var (
	ErrAlready       = &Error{Code: -114, Description: "operation already in progress"}
	ErrNotConnected  = &Error{Code: -128, Description: "not connected"}
	ErrInvalid       = &Error{Code: -22, Description: "invalid argument"}
	ErrNotSubscribed = &Error{Code: -126, Description: "peer has not enabled notifications"}
	ErrBusy          = &Error{Code: -16, Description: "resource busy"}
	ErrNotSupported  = &Error{Code: -134, Description: "not supported"}
	ErrNoSuchDevice  = &Error{Code: -19, Description: "no such device"}
)

// HCI status and disconnect reason codes
const (
	StatusSuccess                   uint8 = 0x00
	ReasonUnknownConnID             uint8 = 0x02
	ReasonAuthenticationFailure     uint8 = 0x05
	ReasonConnectionTimeout         uint8 = 0x08
	ReasonRemoteUserTerminated      uint8 = 0x13
	ReasonLocalHostTerminated       uint8 = 0x16
	ReasonConnFailedToBeEstablished uint8 = 0x3E
)

// ReasonName returns a human-readable name for an HCI status code
func ReasonName(code uint8) string {
	switch code {
	case StatusSuccess:
		return "Success"
	case ReasonUnknownConnID:
		return "Unknown Connection Identifier"
	case ReasonAuthenticationFailure:
		return "Authentication Failure"
	case ReasonConnectionTimeout:
		return "Connection Timeout"
	case ReasonRemoteUserTerminated:
		return "Remote User Terminated Connection"
	case ReasonLocalHostTerminated:
		return "Connection Terminated By Local Host"
	case ReasonConnFailedToBeEstablished:
		return "Connection Failed To Be Established"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", code)
	}
}
