package wire

// RemoteError is a handler failure reported through a response frame. The
// response headers travel with the error so clients can honor retry hints
// (retry-after, ratelimit-*) without a separate side channel.
type RemoteError struct {
	Message string
	Headers map[string][]string
}

func (e *RemoteError) Error() string { return "wire: remote error: " + e.Message }

// Header returns the first value for the named response header,
// case-sensitively on the canonical lower-case form.
func (e *RemoteError) Header(name string) string {
	if vals, ok := e.Headers[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ResponseHeaders exposes the full header map attached to the failure.
func (e *RemoteError) ResponseHeaders() map[string][]string { return e.Headers }
