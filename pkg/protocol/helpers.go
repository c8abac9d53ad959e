package protocol

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewRPCRequestMessage creates an addressed command message
func NewRPCRequestMessage(id, method, payload string) (*Message, error) {
	msg, err := NewMessage(TypeRPCRequest, RPCRequest{
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewRPCResponseMessage creates an acknowledgement for request id.
// A nil rpcErr means success.
func NewRPCResponseMessage(id string, rpcErr *RPCError) (*Message, error) {
	msg, err := NewMessage(TypeRPCResponse, RPCResponse{Error: rpcErr})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewDataMessage wraps a raw state update packet
func NewDataMessage(raw []byte) *Message {
	msg, _ := NewMessage(TypeData, nil)
	msg.Data = append([]byte(nil), raw...)
	return msg
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: 0, // Will be set by NewMessage
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetRPCRequest extracts an RPC request from a message
func (m *Message) GetRPCRequest() (*RPCRequest, error) {
	var data RPCRequest
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRPCResponse extracts an RPC response from a message
func (m *Message) GetRPCResponse() (*RPCResponse, error) {
	var data RPCResponse
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
