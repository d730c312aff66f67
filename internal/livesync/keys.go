package livesync

// Slog attribute keys used by the livesync package.
const ( // AC
	logKeyNamespace = "namespace"
	logKeyPeer      = "peer"
	logKeyOrigin    = "origin"
	logKeyHash      = "hash"
	logKeyRetryIn   = "retry_in"
	logKeySent      = "sent"
	logKeyReceived  = "received"
	logKeyError     = "error"
)
