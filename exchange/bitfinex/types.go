package bitfinex

// SubscribeRequest represents a channel subscription request
type SubscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec,omitempty"`
	Freq    string `json:"freq,omitempty"`
	Len     string `json:"len,omitempty"`
}

// UnsubscribeRequest represents a channel unsubscription request, addressed
// by the server-assigned channel id
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// ConfRequest enables connection-level flags (sequence numbers)
type ConfRequest struct {
	Event string `json:"event"`
	Flags int    `json:"flags"`
}

// eventFrame is the JSON-object shape of every non-data frame
type eventFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Version int    `json:"version"`
}
