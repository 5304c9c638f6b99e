package protocol

// Type is the wire string of a message type.
type Type string

const (
	TypeRegister    Type = "register"
	TypeAck         Type = "acknowledgment"
	TypeListItems   Type = "list_items"
	TypeBuyRequest  Type = "buy_request"
	TypeBuyResponse Type = "buy_response"
	TypeStockUpdate Type = "stock_update"
	TypeSaleStart   Type = "sale_start"
	TypeSaleEnd     Type = "sale_end"
	TypeError       Type = "error"
)

// UnregisteredSender is the sender id used before an ACK assigns a node id.
const UnregisteredSender = "unregistered"

// ServerSender is the sender id the server stamps on its messages.
const ServerSender = "server"

// Payload is the typed data of one message. The set of implementations is
// closed: one per Type.
type Payload interface {
	MessageType() Type
}

// Message is one protocol message. Build it with New and treat it as
// immutable afterwards.
type Message struct {
	Type     Type
	SenderID string
	Payload  Payload
}

// New builds a message whose Type matches its payload.
func New(senderID string, p Payload) Message {
	return Message{Type: p.MessageType(), SenderID: senderID, Payload: p}
}

// Register asks the server for a node id.
type Register struct {
	ClientType string `json:"client_type"`
}

// Ack carries the node id assigned at registration.
type Ack struct {
	NodeID string `json:"node_id"`
}

// ListItems is both the buyer's request (no items) and the server's reply.
type ListItems struct {
	Items []ItemView `json:"items"`
}

// BuyRequest asks to buy Quantity of an active sale.
type BuyRequest struct {
	ItemID   string  `json:"item_id"`
	Quantity float64 `json:"quantity"`
}

// BuyResponse answers a buyer, or notifies the seller of a purchase (then
// BuyerID and Remaining are set).
type BuyResponse struct {
	Success   bool     `json:"success"`
	ItemID    string   `json:"item_id"`
	Quantity  float64  `json:"quantity"`
	BuyerID   string   `json:"buyer_id,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
}

// SaleStart is the seller's request (Name, Quantity) and the server's reply,
// which adds Success, ItemID and RemainingTime.
type SaleStart struct {
	Name          string  `json:"name"`
	Quantity      float64 `json:"quantity"`
	Success       bool    `json:"success,omitempty"`
	ItemID        string  `json:"item_id,omitempty"`
	RemainingTime float64 `json:"remaining_time,omitempty"`
}

// SaleEnd ends the seller's sale. Replies set Success; unsolicited
// notifications set Reason.
type SaleEnd struct {
	ItemID  string `json:"item_id,omitempty"`
	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StockUpdate is broadcast whenever a sale changes.
type StockUpdate struct {
	ItemView
}

// Error carries a human-readable reason for a rejected request.
type Error struct {
	Error string `json:"error"`
}

// ItemView is the wire form of an active sale. Times are in seconds.
type ItemView struct {
	ItemID          string  `json:"item_id"`
	Name            string  `json:"name"`
	Quantity        float64 `json:"quantity"`
	SellerID        string  `json:"seller_id"`
	RemainingTime   float64 `json:"remaining_time"`
	SaleStartTime   float64 `json:"sale_start_time"`
	MaxSaleDuration float64 `json:"max_sale_duration"`
}

func (Register) MessageType() Type    { return TypeRegister }
func (Ack) MessageType() Type         { return TypeAck }
func (ListItems) MessageType() Type   { return TypeListItems }
func (BuyRequest) MessageType() Type  { return TypeBuyRequest }
func (BuyResponse) MessageType() Type { return TypeBuyResponse }
func (SaleStart) MessageType() Type   { return TypeSaleStart }
func (SaleEnd) MessageType() Type     { return TypeSaleEnd }
func (StockUpdate) MessageType() Type { return TypeStockUpdate }
func (Error) MessageType() Type       { return TypeError }
