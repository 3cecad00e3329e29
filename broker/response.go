package broker

// Response is the uniform envelope returned by every adapter data call.
// Data is nil on failure; Details carries the session snapshot and is always
// set on failure.
type Response[T any] struct {
	OK        bool      `json:"ok"`
	Data      *T        `json:"data"`
	Error     string    `json:"error"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Details   *Session  `json:"details"`
}

// OK wraps a successful result.
func OK[T any](data T) Response[T] {
	return Response[T]{OK: true, Data: &data}
}

// Fail wraps err with the session snapshot s.
func Fail[T any](err error, s Session) Response[T] {
	r := Response[T]{Details: &s}
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = KindOf(err)
	}
	return r
}

// Value returns the data or the zero value.
func (r Response[T]) Value() T {
	var zero T
	if r.Data == nil {
		return zero
	}
	return *r.Data
}
