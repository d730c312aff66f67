package events

// Slog attribute keys used by the events package.
const ( // AC
	logKeySubscriber = "subscriber"
	logKeyEvent      = "event"
	logKeyError      = "error"
)
