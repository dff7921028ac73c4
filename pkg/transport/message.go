// Package transport carries handshake messages between a controller and the
// child process it spawned.
//
// Each message is a protobuf Struct framed with a varint length prefix.
package transport

import (
	"bufio"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

type MessageType string

const (
	// MessageInit tells the child its channel name and data, and that it may arm
	MessageInit MessageType = "init"

	// MessageTerminate asks the child to shut down without checking readiness
	MessageTerminate MessageType = "terminate"

	// MessageReady is sent by the child once it finished initializing
	MessageReady MessageType = "ready"
)

const maxMessageSize = 1 << 20

// Message is a single handshake message.
// Data must hold JSON-like values; numbers are received as float64.
type Message struct {
	Type    MessageType
	Channel string
	Data    map[string]any
}

// DataInt reads an integral number from init data. Values sent over the wire
// arrive as float64; values built in-process may still be ints.
func DataInt(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

func encodeMessage(msg Message) (*structpb.Struct, error) {
	fields := map[string]any{
		"type": string(msg.Type),
	}
	if msg.Channel != "" {
		fields["channel"] = msg.Channel
	}
	if msg.Data != nil {
		fields["data"] = msg.Data
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.NewProtocolError("message data is not encodable", err).
			WithContext("type", string(msg.Type))
	}
	return s, nil
}

func decodeMessage(s *structpb.Struct) (Message, error) {
	fields := s.AsMap()

	msgType, ok := fields["type"].(string)
	if !ok || msgType == "" {
		return Message{}, errors.NewProtocolError("message has no type", nil)
	}

	msg := Message{Type: MessageType(msgType)}

	if raw, exists := fields["channel"]; exists {
		channel, ok := raw.(string)
		if !ok {
			return Message{}, errors.NewProtocolError("message channel is not a string", nil).
				WithContext("type", msgType)
		}
		msg.Channel = channel
	}

	if raw, exists := fields["data"]; exists && raw != nil {
		data, ok := raw.(map[string]any)
		if !ok {
			return Message{}, errors.NewProtocolError("message data is not an object", nil).
				WithContext("type", msgType)
		}
		msg.Data = data
	}

	return msg, nil
}

func writeMessage(w io.Writer, msg Message) error {
	s, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(w, s); err != nil {
		return errors.NewTransportError("failed to write message", err).
			WithContext("type", string(msg.Type))
	}
	return nil
}

func readMessage(r *bufio.Reader) (Message, error) {
	s := &structpb.Struct{}
	options := protodelim.UnmarshalOptions{MaxSize: maxMessageSize}
	if err := options.UnmarshalFrom(r, s); err != nil {
		return Message{}, errors.NewTransportError("failed to read message", err)
	}
	return decodeMessage(s)
}
