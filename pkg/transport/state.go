package transport

// State is the connection state of a Transport.
type State int32

const (
	// StateNegotiatingProtocol covers the identification exchange and the
	// time before the first KEXINIT is sent.
	StateNegotiatingProtocol State = iota
	// StateKeyExchange is entered when either side sends KEXINIT.
	StateKeyExchange
	// StateConnected is entered when both NEWKEYS have been exchanged.
	StateConnected
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNegotiatingProtocol:
		return "NEGOTIATING_PROTOCOL"
	case StateKeyExchange:
		return "KEY_EXCHANGE"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
