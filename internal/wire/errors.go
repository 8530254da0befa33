package wire

// GVCPErrorCode classifies an error-ack's embedded error code into the
// taxonomy consumed by internal/control. The codec itself never raises
// these; it only decodes them for the caller to map.
type GVCPErrorCode uint16

const (
	GVCPErrorNone              GVCPErrorCode = 0x0000
	GVCPErrorNotImplemented    GVCPErrorCode = 0x8001
	GVCPErrorInvalidParameter  GVCPErrorCode = 0x8002
	GVCPErrorInvalidAddress    GVCPErrorCode = 0x8003
	GVCPErrorWriteProtect      GVCPErrorCode = 0x8004
	GVCPErrorBadAlignment      GVCPErrorCode = 0x8005
	GVCPErrorAccessDenied      GVCPErrorCode = 0x8006
	GVCPErrorBusy              GVCPErrorCode = 0x8007
	GVCPErrorLocalProblem      GVCPErrorCode = 0x8008
	GVCPErrorMsgMismatch       GVCPErrorCode = 0x8009
	GVCPErrorInvalidProtocol   GVCPErrorCode = 0x800A
	GVCPErrorNoMsg             GVCPErrorCode = 0x800B
	GVCPErrorPacketUnavailable GVCPErrorCode = 0x800C
	GVCPErrorDataOverrun       GVCPErrorCode = 0x800D
	GVCPErrorInvalidHeader     GVCPErrorCode = 0x800E
	GVCPErrorWrongConfig       GVCPErrorCode = 0x800F
	GVCPErrorPacketNotYet      GVCPErrorCode = 0x8010
	GVCPErrorPacketAndPrevRemoved GVCPErrorCode = 0x8011
	GVCPErrorPacketRemoved     GVCPErrorCode = 0x8012
)
