package rpc

// Message is a frame decoded into its structured form: the shape
// built-in node handlers (internal/broker's Node contract) actually
// operate on, since they need to inspect Param or build a Result/Error
// rather than just forward opaque bytes.
type Message struct {
	Meta   Meta
	Param  any
	Result any
	Error  *RpcError
}

// body is the wire shape of Frame.Payload: at most one of Param,
// Result, Error is set, matching which of request/response/signal the
// enclosing frame's Meta.Kind says it is.
type body struct {
	Param  any       `msgpack:"param,omitempty"`
	Result any       `msgpack:"result,omitempty"`
	Error  *RpcError `msgpack:"error,omitempty"`
}

// ShvPath returns the message's destination path.
func (m *Message) ShvPath() string { return m.Meta.ShvPath }

// SetShvPath rewrites the destination path, used by the broker when it
// peels the mount prefix off before handing the message to a built-in
// node.
func (m *Message) SetShvPath(path string) { m.Meta.ShvPath = path }

// Method returns the requested method name.
func (m *Message) Method() string { return m.Meta.Method }

// NewRequestMessage builds a request Message addressed at shvPath/method
// with the given param.
func NewRequestMessage(requestID int64, shvPath, method string, param any) *Message {
	return &Message{
		Meta: Meta{
			Kind:      KindRequest,
			RequestID: requestID,
			ShvPath:   shvPath,
			Method:    method,
		},
		Param: param,
	}
}

// NewSignalMessage builds a signal Message (no request id, no response
// expected).
func NewSignalMessage(shvPath, method string, param any) *Message {
	return &Message{
		Meta: Meta{
			Kind:    KindSignal,
			ShvPath: shvPath,
			Method:  method,
		},
		Param: param,
	}
}

// ResponseFromMeta builds a response Message carrying result from a
// request's already-prepared response metadata.
func ResponseFromMeta(meta Meta, result any) *Message {
	return &Message{Meta: meta, Result: result}
}

// ErrorResponseFromMeta builds an error response Message from a
// request's already-prepared response metadata.
func ErrorResponseFromMeta(meta Meta, err *RpcError) *Message {
	return &Message{Meta: meta, Error: err}
}

// ToFrame encodes the message's body into a Frame sharing the message's
// Meta.
func (m *Message) ToFrame() (*Frame, error) {
	payload, err := encodeBody(body{Param: m.Param, Result: m.Result, Error: m.Error})
	if err != nil {
		return nil, err
	}
	return &Frame{Meta: m.Meta, Payload: payload}, nil
}

func decodeMessage(meta Meta, payload []byte) (*Message, error) {
	b, err := decodeBody(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Meta: meta, Param: b.Param, Result: b.Result, Error: b.Error}, nil
}
