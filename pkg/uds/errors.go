package uds

import (
	"errors"
	"fmt"
)

// NRC is a UDS negative response code, the third byte of a 7F SID NRC
// envelope.
type NRC uint8

const (
	NRCGeneralReject                    NRC = 0x10
	NRCServiceNotSupported              NRC = 0x11
	NRCSubFunctionNotSupported          NRC = 0x12
	NRCIncorrectMessageLength           NRC = 0x13
	NRCConditionsNotCorrect             NRC = 0x22
	NRCRequestSequenceError             NRC = 0x24
	NRCRequestOutOfRange                NRC = 0x31
	NRCSecurityAccessDenied             NRC = 0x33
	NRCInvalidKey                       NRC = 0x35
	NRCExceedNumberOfAttempts           NRC = 0x36
	NRCRequiredTimeDelayNotExpired      NRC = 0x37
	NRCResponsePending                  NRC = 0x78
	NRCSubFunctionNotSupportedInSession NRC = 0x7E
	NRCServiceNotSupportedInSession     NRC = 0x7F
)

var nrcDescriptions = map[NRC]string{
	NRCGeneralReject:                    "general reject",
	NRCServiceNotSupported:              "service not supported",
	NRCSubFunctionNotSupported:          "sub-function not supported",
	NRCIncorrectMessageLength:           "incorrect message length or invalid format",
	NRCConditionsNotCorrect:             "conditions not correct",
	NRCRequestSequenceError:             "request sequence error",
	NRCRequestOutOfRange:                "request out of range",
	NRCSecurityAccessDenied:             "security access denied",
	NRCInvalidKey:                       "invalid key",
	NRCExceedNumberOfAttempts:           "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:      "required time delay not expired",
	NRCResponsePending:                  "response pending",
	NRCSubFunctionNotSupportedInSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInSession:     "service not supported in active session",
}

func (n NRC) Error() string {
	if desc, ok := nrcDescriptions[n]; ok {
		return fmt.Sprintf("uds: NRC x%02X (%s)", uint8(n), desc)
	}
	return fmt.Sprintf("uds: NRC x%02X", uint8(n))
}

// IsSecurityDenied reports whether the NRC is one of the security-access
// sub-kinds flagged for flash/secure-session flows.
func (n NRC) IsSecurityDenied() bool {
	switch n {
	case NRCSecurityAccessDenied, NRCInvalidKey, NRCExceedNumberOfAttempts, NRCRequiredTimeDelayNotExpired:
		return true
	default:
		return false
	}
}

// NegativeResponseError wraps the NRC returned for a given service.
type NegativeResponseError struct {
	ServiceID byte
	NRC       NRC
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("uds: service x%02X rejected: %v", e.ServiceID, e.NRC)
}

func (e *NegativeResponseError) Unwrap() error { return e.NRC }

// SecurityDenied returns true when the wrapped NRC is a security-denied sub-kind.
func (e *NegativeResponseError) SecurityDenied() bool { return e.NRC.IsSecurityDenied() }

// ProtocolError signals a malformed response: wrong length, wrong
// service echo, or similar framing-level nonsense from the ECU.
type ProtocolError struct {
	Context string
}

func (e *ProtocolError) Error() string { return "uds: protocol error: " + e.Context }

var (
	ErrInvalidArgument = errors.New("uds: invalid argument")
	ErrNotUnlocked     = errors.New("uds: security level not unlocked")
)
