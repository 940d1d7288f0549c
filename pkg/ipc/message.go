// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ipc implements request/response messaging over a pair of ports:
// one port for requests sent to a service and one shared port for the
// service's responses.
package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of a message.
type MessageType string

// Payload is the typed body of a message. Every payload type belongs to
// exactly one message type.
type Payload interface {
	MessageType() MessageType
}

// Message is a message sent to a service. RequestID is empty for messages
// which expect no response.
type Message struct {
	Type      MessageType
	RequestID string
	Payload   Payload
}

// NewMessage creates a message for the given payload.
func NewMessage(requestID string, payload Payload) *Message {
	return &Message{
		Type:      payload.MessageType(),
		RequestID: requestID,
		Payload:   payload,
	}
}

// WantsResponse returns true if the sender expects a response.
func (m *Message) WantsResponse() bool {
	return m.RequestID != ""
}

// Validate checks that the message type matches the payload.
func (m *Message) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("%w: %s message without payload", ErrMalformedMessage, m.Type)
	}
	if t := m.Payload.MessageType(); t != m.Type {
		return fmt.Errorf("%w: %s message with %s payload (%T)", ErrMalformedMessage,
			m.Type, t, m.Payload)
	}
	return nil
}

func (m *Message) String() string {
	if m == nil {
		return "<nil message>"
	}
	id := m.RequestID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("%s#%s %+v", m.Type, id, m.Payload)
}

// MarshalJSON encodes the message as a [type, requestId|null, payload] tuple.
func (m *Message) MarshalJSON() ([]byte, error) {
	var id any
	if m.RequestID != "" {
		id = m.RequestID
	}
	return json.Marshal([]any{m.Type, id, m.Payload})
}

// Decoder decodes messages for a fixed set of payload types.
type Decoder struct {
	types map[MessageType]func() Payload
}

// NewDecoder creates a decoder for the given payload constructors.
func NewDecoder(constructors ...func() Payload) *Decoder {
	d := &Decoder{
		types: make(map[MessageType]func() Payload),
	}
	for _, fn := range constructors {
		d.types[fn().MessageType()] = fn
	}
	return d
}

// Decode decodes a [type, requestId|null, payload] tuple.
func (d *Decoder) Decode(data []byte) (*Message, error) {
	var (
		tuple []json.RawMessage
		typ   MessageType
		id    *string
	)

	if err := json.Unmarshal(data, &tuple); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(tuple) != 3 {
		return nil, fmt.Errorf("%w: expected 3 tuple elements, got %d",
			ErrMalformedMessage, len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &typ); err != nil {
		return nil, fmt.Errorf("%w: invalid message type: %v", ErrMalformedMessage, err)
	}
	if err := json.Unmarshal(tuple[1], &id); err != nil {
		return nil, fmt.Errorf("%w: invalid request ID: %v", ErrMalformedMessage, err)
	}

	newPayload, ok := d.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, typ)
	}

	payload := newPayload()
	dec := json.NewDecoder(bytes.NewReader(tuple[2]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: invalid %s payload: %v", ErrMalformedMessage, typ, err)
	}

	msg := &Message{
		Type:    typ,
		Payload: payload,
	}
	if id != nil {
		msg.RequestID = *id
	}

	return msg, nil
}

// Response is a reply to a message, correlated to it by request ID. A nil
// payload means the request failed.
type Response struct {
	RequestID string
	Payload   any
}

// MarshalJSON encodes the response as a [requestId, payload] tuple.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.RequestID, r.Payload})
}

// UnmarshalJSON decodes a [requestId, payload] tuple. The payload is kept
// as a json.RawMessage for the caller to decode.
func (r *Response) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage

	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("%w: expected 2 response elements, got %d",
			ErrMalformedMessage, len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.RequestID); err != nil {
		return fmt.Errorf("%w: invalid response request ID: %v", ErrMalformedMessage, err)
	}

	if string(tuple[1]) == "null" {
		r.Payload = nil
	} else {
		r.Payload = tuple[1]
	}

	return nil
}
