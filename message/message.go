// Package message defines the envelopes exchanged between client and server.
//
// A Request travels client → server inside a request frame, a Response travels
// back inside a response frame carrying the same ID. Both get serialized by the
// codec layer and wrapped in a protocol frame for transmission over TCP.
package message

// Metadata keys stamped by the client on every request.
const (
	MetaCallerID = "caller-id"
)

// Arg is one positional argument: an opaque payload plus the type tag the
// caller encoded it from. The dispatcher uses the tag to pick an overload.
type Arg struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// Request carries a single call.
type Request struct {
	ID       uint64            `json:"id"`
	Service  string            `json:"service"`
	Method   string            `json:"method"`
	Args     []Arg             `json:"args,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServiceMethod returns "Service.Method", used in logs.
func (r *Request) ServiceMethod() string {
	return r.Service + "." + r.Method
}

// Status is the outcome class of a call.
type Status uint8

const (
	StatusSuccess        Status = 0
	StatusAppError       Status = 1
	StatusTransportError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAppError:
		return "application-error"
	case StatusTransportError:
		return "transport-error"
	}
	return "unknown"
}

// Response carries the outcome of the request with the same ID.
//
//   - On success:  Result holds the encoded return value (nil for error-only methods).
//   - On failure:  Error describes what went wrong, Result is empty.
type Response struct {
	ID     uint64 `json:"id"`
	Status Status `json:"status"`
	Result []byte `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// NewSuccess builds a success response for call id.
func NewSuccess(id uint64, result []byte) *Response {
	return &Response{ID: id, Status: StatusSuccess, Result: result}
}

// NewFailure builds a failure response for call id. Timeouts and lost
// connections get StatusTransportError, everything else StatusAppError.
func NewFailure(id uint64, e *Error) *Response {
	status := StatusAppError
	if e.Kind == KindConnectionLost || e.Kind == KindTimeout {
		status = StatusTransportError
	}
	return &Response{ID: id, Status: status, Error: e}
}

// Err returns the error descriptor as an error, or nil on success.
func (r *Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Error == nil {
		return &Error{Kind: KindApplication, Message: "failure response without descriptor"}
	}
	return r.Error
}
