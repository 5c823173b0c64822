package protocol

// Kind classifies an internal failure for wire-level reporting. Each kind
// maps to an in-band error envelope code, a transport close code, or both.
type Kind string

const (
	KindAuthenticationRequired  Kind = "authentication_required"
	KindInvalidMessageFormat    Kind = "invalid_message_format"
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindConnectionLimitExceeded Kind = "connection_limit_exceeded"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindUpstreamThrottled       Kind = "upstream_throttled"
	KindServerError             Kind = "server_error"
	KindNormalShutdown          Kind = "normal_shutdown"
)

// Transport close codes. Clients must rely on codes; reason strings are
// informational only.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// In-band error envelope codes.
const (
	CodeInvalidMessageFormat    = 4001
	CodeRateLimitExceeded       = 4002
	CodeConnectionLimitExceeded = 4003
	CodeAuthenticationRequired  = 4401
	CodeServerError             = 5000
	CodeUpstreamUnavailable     = 5011
	CodeUpstreamThrottled       = 5012
)

// Code returns the error envelope code for the kind, or 0 for kinds that
// are surfaced only as a transport close.
func (k Kind) Code() int {
	switch k {
	case KindAuthenticationRequired:
		return CodeAuthenticationRequired
	case KindInvalidMessageFormat:
		return CodeInvalidMessageFormat
	case KindRateLimitExceeded:
		return CodeRateLimitExceeded
	case KindConnectionLimitExceeded:
		return CodeConnectionLimitExceeded
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	case KindUpstreamThrottled:
		return CodeUpstreamThrottled
	case KindServerError:
		return CodeServerError
	default:
		return 0
	}
}

// CloseCode returns the transport close code for the kind, or 0 for kinds
// that stay in-band and leave the connection open.
func (k Kind) CloseCode() int {
	switch k {
	case KindAuthenticationRequired, KindConnectionLimitExceeded:
		return ClosePolicyViolation
	case KindServerError:
		return CloseInternalError
	case KindNormalShutdown:
		return CloseNormal
	default:
		return 0
	}
}

// Terminal reports whether the kind closes the transport.
func (k Kind) Terminal() bool { return k.CloseCode() != 0 }
