package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type GraphQLError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
}

type GraphQLResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// ProtocolMessage is one frame of the real-time protocol.
type ProtocolMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectionAckPayload struct {
	ConnectionTimeoutMs int `json:"connectionTimeoutMs"`
}

type StartPayload struct {
	Data       string          `json:"data"`
	Extensions StartExtensions `json:"extensions"`
}

type StartExtensions struct {
	Authorization map[string]string `json:"authorization"`
}

type ErrorPayload struct {
	Errors []GraphQLError `json:"errors"`
}

// JoinErrors flattens GraphQL errors into one message.
func JoinErrors(errs []GraphQLError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.ErrorType != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", e.ErrorType, e.Message))
			continue
		}
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "; ")
}

// BuildProtocolMessage marshals payload and wraps it in a frame of the given type.
func BuildProtocolMessage(msgType, id string, payload interface{}) ([]byte, error) {
	msg := ProtocolMessage{ID: id, Type: msgType}
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("could not marshal %s payload: %s", msgType, err)
		}
		msg.Payload = bytes
	}
	return json.Marshal(msg)
}

// ParseProtocolMessage reads a received frame.
func ParseProtocolMessage(bytes []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := json.Unmarshal(bytes, &msg); err != nil {
		return nil, fmt.Errorf("could not unmarshal protocol message: %s", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol message without type: %q", string(bytes))
	}
	return &msg, nil
}

// WriteProtocolMessage builds a frame and sends it as a text message.
func WriteProtocolMessage(conn *websocket.Conn, msgType, id string, payload interface{}) error {
	bytes, err := BuildProtocolMessage(msgType, id, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, bytes)
}

// EncodeHeader produces the base64 JSON used for the header query parameter.
func EncodeHeader(header map[string]string) (string, error) {
	bytes, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(encoded string) (map[string]string, error) {
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid header encoding: %s", err)
	}
	header := map[string]string{}
	if err := json.Unmarshal(bytes, &header); err != nil {
		return nil, fmt.Errorf("invalid header json: %s", err)
	}
	return header, nil
}
