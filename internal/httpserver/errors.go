package httpserver

const (
	ErrInvalidID  = "invalid id"
	ErrDependency = "dependency error"
	ErrNotFound   = "not found"
	ErrNotReady   = "not ready"
)
