package protocol

import (
	"bytes"
	"encoding/json"
)

type envelope struct {
	Type     Type            `json:"type"`
	Data     json.RawMessage `json:"data"`
	SenderID *string         `json:"sender_id"`
}

// variant describes how one message type is decoded.
type variant struct {
	decode   func(data []byte) (Payload, error)
	required []string
}

var variants = map[Type]variant{
	TypeRegister:    {decode: decodeAs[Register], required: []string{"client_type"}},
	TypeAck:         {decode: decodeAs[Ack], required: []string{"node_id"}},
	TypeListItems:   {decode: decodeAs[ListItems]},
	TypeBuyRequest:  {decode: decodeAs[BuyRequest], required: []string{"item_id", "quantity"}},
	TypeBuyResponse: {decode: decodeAs[BuyResponse], required: []string{"item_id"}},
	TypeSaleStart:   {decode: decodeAs[SaleStart], required: []string{"name", "quantity"}},
	TypeSaleEnd:     {decode: decodeAs[SaleEnd]},
	TypeStockUpdate: {decode: decodeAs[StockUpdate], required: []string{"item_id", "quantity"}},
	TypeError:       {decode: decodeAs[Error], required: []string{"error"}},
}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode renders m as the JSON envelope carried inside a frame.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, protocolErrorf(nil, "message %q has no payload", m.Type)
	}
	if m.Payload.MessageType() != m.Type {
		return nil, protocolErrorf(nil, "message type %q does not match payload %q", m.Type, m.Payload.MessageType())
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, protocolErrorf(err, "encoding %s payload", m.Type)
	}
	sender := m.SenderID
	out, err := json.Marshal(envelope{Type: m.Type, Data: data, SenderID: &sender})
	if err != nil {
		return nil, protocolErrorf(err, "encoding %s envelope", m.Type)
	}
	return out, nil
}

// Decode parses one JSON envelope into a Message, checking the fields its
// type requires.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, protocolErrorf(err, "invalid message")
	}
	v, ok := variants[env.Type]
	if !ok {
		return Message{}, protocolErrorf(nil, "unknown message type %q", env.Type)
	}
	if env.SenderID == nil {
		return Message{}, protocolErrorf(nil, "%s message is missing sender_id", env.Type)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Message{}, protocolErrorf(nil, "%s message is missing data", env.Type)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, protocolErrorf(err, "%s data is not an object", env.Type)
	}
	for _, name := range v.required {
		if raw, ok := fields[name]; !ok || bytes.Equal(raw, []byte("null")) {
			return Message{}, protocolErrorf(nil, "%s message is missing required field %q", env.Type, name)
		}
	}

	p, err := v.decode(data)
	if err != nil {
		return Message{}, protocolErrorf(err, "invalid %s data", env.Type)
	}
	return Message{Type: env.Type, SenderID: *env.SenderID, Payload: p}, nil
}
