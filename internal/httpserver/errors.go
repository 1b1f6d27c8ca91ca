package httpserver

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingID     = "missing id"
	ErrMissingFields = "missing fields"
	ErrDependency    = "dependency error"
	ErrNotFound      = "not found"
	ErrConflict      = "already exists"
	ErrEmptyBody     = "empty body"
	ErrTooLarge      = "body too large"
	ErrPlaceholder   = "unknown placeholder"
	ErrUnauthorized  = "unauthorized"
	ErrNotReady      = "not ready"
)
