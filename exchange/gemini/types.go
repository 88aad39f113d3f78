package gemini

// SubscribeRequest represents a v2 marketdata subscription change; the same
// shape serves subscribe and unsubscribe
type SubscribeRequest struct {
	Type          string         `json:"type"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Subscription names one feed and the symbols it covers
type Subscription struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

// WSMessage represents an inbound v2 marketdata frame
type WSMessage struct {
	Type      string     `json:"type"`
	Symbol    string     `json:"symbol"`
	Changes   [][]string `json:"changes"` // [side, price, quantity]
	EventID   int64      `json:"event_id"`
	Timestamp int64      `json:"timestamp"`
	Price     string     `json:"price"`
	Quantity  string     `json:"quantity"`
	Side      string     `json:"side"`
}
