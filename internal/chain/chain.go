package chain

import "fmt"

// Layer identifies which node layer an outbound call targets. Used as a
// metric label and in error messages.
type Layer string

const (
	LayerDL1 Layer = "dl1"
	LayerGL0 Layer = "gl0"
	LayerML0 Layer = "ml0"
)

// StatusError is returned by the node clients when a call reaches the node
// but comes back with a non-2xx status.
type StatusError struct {
	Layer  Layer
	Method string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http status %d: %s", e.Layer, e.Method, e.Code, e.Body)
}

// Transient reports whether the status code indicates a retryable condition.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
