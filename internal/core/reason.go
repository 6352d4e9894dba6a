package core

// CloseReason tells a downstream client why its session ended. Every reason
// maps to a distinct WebSocket close code so clients never see a silent drop.
type CloseReason int32

const (
	ReasonNone CloseReason = iota
	ReasonNormal
	ReasonShutdown
	ReasonAuthFailed
	ReasonDenied
	ReasonAuthExpired
	ReasonSlowConsumer
	ReasonCapacity
	ReasonUpstreamFailure
	ReasonProtocol
	ReasonTransport
)

// WebSocket close codes sent with each reason. 4000-4999 are reserved for
// applications by RFC 6455.
const (
	CodeNormal          = 1000
	CodeGoingAway       = 1001
	CodeProtocolError   = 1002
	CodeInternalError   = 1011
	CodeAuthFailed      = 4001
	CodeDenied          = 4003
	CodeAuthExpired     = 4004
	CodeSlowConsumer    = 4008
	CodeCapacity        = 4013
	CodeUpstreamFailure = 4014
)

func (r CloseReason) Code() int {
	switch r {
	case ReasonNormal, ReasonNone:
		return CodeNormal
	case ReasonShutdown:
		return CodeGoingAway
	case ReasonAuthFailed:
		return CodeAuthFailed
	case ReasonDenied:
		return CodeDenied
	case ReasonAuthExpired:
		return CodeAuthExpired
	case ReasonSlowConsumer:
		return CodeSlowConsumer
	case ReasonCapacity:
		return CodeCapacity
	case ReasonUpstreamFailure:
		return CodeUpstreamFailure
	case ReasonProtocol:
		return CodeProtocolError
	default:
		return CodeInternalError
	}
}

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNormal:
		return "normal closure"
	case ReasonShutdown:
		return "server shutting down"
	case ReasonAuthFailed:
		return "authentication failed"
	case ReasonDenied:
		return "authorization denied"
	case ReasonAuthExpired:
		return "authentication expired"
	case ReasonSlowConsumer:
		return "slow consumer"
	case ReasonCapacity:
		return "too many sessions"
	case ReasonUpstreamFailure:
		return "upstream unavailable"
	case ReasonProtocol:
		return "protocol error"
	case ReasonTransport:
		return "transport error"
	default:
		return "unknown"
	}
}
