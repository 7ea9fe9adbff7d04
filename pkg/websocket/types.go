package websocket

import ws "github.com/coder/websocket"

// MessageType represents the type of WebSocket message.
type MessageType int

const (
	// MessageText indicates a UTF-8 encoded text message.
	MessageText MessageType = 1
	// MessageBinary indicates a binary message.
	MessageBinary MessageType = 2
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// CloseCode represents a WebSocket close status code per RFC 6455.
type CloseCode int

const (
	// CloseNormalClosure indicates a normal closure (1000).
	CloseNormalClosure CloseCode = 1000
	// CloseGoingAway indicates the endpoint is going away (1001).
	CloseGoingAway CloseCode = 1001
	// CloseProtocolError indicates a protocol error (1002).
	CloseProtocolError CloseCode = 1002
	// CloseUnsupportedData indicates unsupported data type (1003).
	CloseUnsupportedData CloseCode = 1003
	// CloseNoStatusReceived indicates no status code was received (1005).
	CloseNoStatusReceived CloseCode = 1005
	// CloseAbnormalClosure indicates abnormal closure (1006).
	CloseAbnormalClosure CloseCode = 1006
	// CloseInvalidPayload indicates invalid UTF-8 in text message (1007).
	CloseInvalidPayload CloseCode = 1007
	// ClosePolicyViolation indicates a policy violation (1008).
	ClosePolicyViolation CloseCode = 1008
	// CloseMessageTooBig indicates message is too large (1009).
	CloseMessageTooBig CloseCode = 1009
	// CloseMandatoryExtension indicates missing mandatory extension (1010).
	CloseMandatoryExtension CloseCode = 1010
	// CloseInternalError indicates internal server error (1011).
	CloseInternalError CloseCode = 1011
	// CloseServiceRestart indicates service restart (1012).
	CloseServiceRestart CloseCode = 1012
	// CloseTryAgainLater indicates try again later (1013).
	CloseTryAgainLater CloseCode = 1013
	// CloseTLSHandshake indicates TLS handshake failure (1015).
	CloseTLSHandshake CloseCode = 1015
)

// String returns a human-readable description of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormalClosure:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseUnsupportedData:
		return "unsupported data"
	case CloseNoStatusReceived:
		return "no status received"
	case CloseAbnormalClosure:
		return "abnormal closure"
	case CloseInvalidPayload:
		return "invalid payload"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseMandatoryExtension:
		return "mandatory extension"
	case CloseInternalError:
		return "internal error"
	case CloseServiceRestart:
		return "service restart"
	case CloseTryAgainLater:
		return "try again later"
	case CloseTLSHandshake:
		return "TLS handshake"
	default:
		return "unknown"
	}
}

func (t MessageType) wire() ws.MessageType {
	if t == MessageBinary {
		return ws.MessageBinary
	}
	return ws.MessageText
}

func messageTypeOf(t ws.MessageType) MessageType {
	if t == ws.MessageBinary {
		return MessageBinary
	}
	return MessageText
}

// Message is one complete WebSocket message.
type Message struct {
	Type MessageType
	Data []byte
}

// TextMessage returns a text message carrying s.
func TextMessage(s string) Message {
	return Message{Type: MessageText, Data: []byte(s)}
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}
