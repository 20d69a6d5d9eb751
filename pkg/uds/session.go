package uds

// Session is the UDS diagnostic session state (§3 Session state).
type Session uint8

const (
	SessionDefault Session = 0x01
	SessionProgramming Session = 0x02
	SessionExtendedDiagnostic Session = 0x03
	SessionSafetySystem Session = 0x04
)

func (s Session) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtendedDiagnostic:
		return "extended"
	case SessionSafetySystem:
		return "safety-system"
	default:
		return "unknown"
	}
}
