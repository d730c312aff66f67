package blobs

// Slog attribute keys used by the blobs package.
const (
	logKeyHash = "hash"
	logKeyPeer = "peer"
)
