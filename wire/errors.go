package wire

// ResponseError is the client-side representation of a failed Response. The
// remote error arrives as text only; there is no structured code channel in
// the response envelope.
type ResponseError struct {
	RequestID string
	Message   string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return "remote call failed"
	}
	return e.Message
}
