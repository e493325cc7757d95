package lib

// State enumerates the TCP connection states of RFC 793 section 3.2.
type State uint8

const (
	// CLOSED - represents no connection state at all. Connections that
	// reach it are removed from the table.
	StateClosed State = iota
	// LISTEN - waiting for a connection request from any remote TCP and port.
	StateListen
	// SYN-SENT - waiting for a matching connection request after having
	// sent one. Never entered by a passive endpoint.
	StateSynSent
	// SYN-RECEIVED - waiting for a confirming connection request
	// acknowledgment after having both received and sent a connection request.
	StateSynReceived
	// ESTABLISHED - an open connection, data received can be delivered.
	StateEstablished
	// FIN-WAIT-1 - waiting for a termination request from the remote TCP,
	// or an acknowledgment of the termination request previously sent.
	StateFinWait1
	// FIN-WAIT-2 - waiting for a termination request from the remote TCP.
	StateFinWait2
	// CLOSE-WAIT - waiting for a termination request from the local user.
	StateCloseWait
	// CLOSING - waiting for a termination request acknowledgment from the remote TCP.
	StateClosing
	// LAST-ACK - waiting for an acknowledgment of the termination request
	// previously sent to the remote TCP.
	StateLastAck
	// TIME-WAIT - waiting for enough time to pass to be sure the remote TCP
	// received the acknowledgment of its termination request.
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynReceived: "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateCloseWait:   "CLOSE-WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST-ACK",
	StateTimeWait:    "TIME-WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// acceptsText reports whether segment text is delivered in this state.
func (s State) acceptsText() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}
