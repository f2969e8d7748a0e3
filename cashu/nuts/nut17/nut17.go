package nut17

import "encoding/json"

type SubscriptionKind int

const (
	Bolt11MintQuote SubscriptionKind = iota
	Bolt11MeltQuote
	ProofState
	Unknown
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
)

// InvalidRequestCode is sent back for any request the mint rejects.
const InvalidRequestCode = 1000

func (kind SubscriptionKind) String() string {
	switch kind {
	case Bolt11MintQuote:
		return "bolt11_mint_quote"
	case Bolt11MeltQuote:
		return "bolt11_melt_quote"
	case ProofState:
		return "proof_state"
	default:
		return "unknown"
	}
}

func StringToKind(kind string) SubscriptionKind {
	switch kind {
	case "bolt11_mint_quote":
		return Bolt11MintQuote
	case "bolt11_melt_quote":
		return Bolt11MeltQuote
	case "proof_state":
		return ProofState
	}
	return Unknown
}

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string   `json:"kind"`
	SubId   string   `json:"subId"`
	Filters []string `json:"filters"`
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

// NewWsResponse acknowledges the request with id for subscription subId.
func NewWsResponse(subId string, id int) WsResponse {
	return WsResponse{
		JsonRPC: JSONRPC_2,
		Result:  Result{Status: OK, SubId: subId},
		Id:      id,
	}
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

func NewWsNotification(subId string, payload json.RawMessage) WsNotification {
	return WsNotification{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  NotificationParams{SubId: subId, Payload: payload},
	}
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

// NewWsError rejects the request with id. Requests that could not be
// decoded are answered with id -1.
func NewWsError(message string, id int) *WsError {
	return &WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: InvalidRequestCode, Message: message},
		Id:          id,
	}
}

func (e WsError) Error() string {
	return e.ErrResponse.Message
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
