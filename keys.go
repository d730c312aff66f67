package docs

const (
	logKeyNode      = "node"
	logKeyPath      = "path"
	logKeyAddr      = "addr"
	logKeyNamespace = "namespace"
	logKeyError     = "error"
)
