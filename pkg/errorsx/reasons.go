package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonSTTConnect       ReasonCode = "stt_connect"
	ReasonSTTSend          ReasonCode = "stt_send"
	ReasonSTTRetry         ReasonCode = "stt_retry"
	ReasonSTTRateLimit     ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen   ReasonCode = "stt_circuit_open"
	ReasonSTTUnauthorized  ReasonCode = "stt_unauthorized"
	ReasonSTTVendor        ReasonCode = "stt_vendor_error"
	ReasonSTTSessionClosed ReasonCode = "stt_session_closed"

	ReasonPublish           ReasonCode = "publish"
	ReasonTransportProtocol ReasonCode = "transport_protocol"
	ReasonTransportSend     ReasonCode = "transport_send"
)
