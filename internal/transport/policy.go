package transport

// ResetDecision is the fallback policy's verdict on a failed attempt.
type ResetDecision struct {
	// Retry reports whether another automatic attempt is allowed at all.
	Retry bool

	// ResetClient indicates the transport client must be torn down and
	// rebuilt before the next attempt.
	ResetClient bool
}

// FallbackPolicy classifies connection and shell-start failures.
//
// Transport-level failures always reset the client. Channel-level failures
// reset it only when no other session currently shares it, so one session's
// broken channel does not kill a sibling's live connection. Auth-class
// failures are never retried automatically.
type FallbackPolicy struct{}

// Decide returns the retry/reset verdict for err. sharedUsers is the number
// of OTHER sessions the registry currently associates with the same client.
func (FallbackPolicy) Decide(err error, sharedUsers int) ResetDecision {
	switch Classify(err) {
	case ClassAuth:
		return ResetDecision{Retry: false, ResetClient: false}
	case ClassChannel:
		return ResetDecision{Retry: true, ResetClient: sharedUsers == 0}
	case ClassTransport, ClassUnknown:
		return ResetDecision{Retry: true, ResetClient: true}
	default:
		return ResetDecision{Retry: true, ResetClient: true}
	}
}
