package transport

// Slog attribute keys used by the transport package.
const ( // AC
	logKeyPeer  = "peer"
	logKeyType  = "type"
	logKeyError = "error"
)
