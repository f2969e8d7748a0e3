// Package manager serves the admin interface of the mint as JSON-RPC
// over a unix socket. It is only reachable from the machine the mint runs on.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut02"
	"github.com/lnmint/lnmint/mint"
)

const (
	ISSUED_ECASH_REQUEST   = "issued"
	REDEEMED_ECASH_REQUEST = "redeemed"
	TOTAL_BALANCE          = "totalbalance"
	LIST_KEYSETS           = "keysets"
	ROTATE_KEYSET          = "rotatekeyset"
	PENDING_MELTS          = "pendingmelts"
	RECONCILE              = "reconcile"

	JSONRPC_2 = "2.0"

	invalidRequestCode = -32600
	methodNotFoundCode = -32601
	invalidParamsCode  = -32602
	internalErrorCode  = -32603
)

type Request struct {
	JsonRPC string   `json:"jsonrpc"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
	Id      int      `json:"id"`
}

type Response struct {
	JsonRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   RpcError        `json:"error,omitempty"`
	Id      int             `json:"id"`
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Server struct {
	socketPath string
	listener   net.Listener
	mint       *mint.Mint

	wg sync.WaitGroup
}

func SetupServer(mint *mint.Mint, socketPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, err
	}
	// remove socket left behind by a previous run
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket '%v': %v", socketPath, err)
	}

	return &Server{
		socketPath: socketPath,
		listener:   listener,
		mint:       mint,
	}, nil
}

// Start accepts connections until Shutdown is called.
func (s *Server) Start() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) Shutdown() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		conn.SetDeadline(time.Now().Add(time.Minute))

		var req Request
		if err := decoder.Decode(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				encoder.Encode(errorResponse(0, invalidRequestCode, "invalid request"))
			}
			return
		}

		if err := encoder.Encode(s.handleRequest(req)); err != nil {
			return
		}
	}
}

func errorResponse(id, code int, message string) Response {
	return Response{
		JsonRPC: JSONRPC_2,
		Error:   RpcError{Code: code, Message: message},
		Id:      id,
	}
}

func (s *Server) handleRequest(req Request) Response {
	if req.JsonRPC != JSONRPC_2 {
		return errorResponse(req.Id, invalidRequestCode, "invalid jsonrpc version")
	}

	var result any
	var err error
	switch req.Method {
	case ISSUED_ECASH_REQUEST:
		result, err = s.issued(req.Params)
	case REDEEMED_ECASH_REQUEST:
		result, err = s.redeemed(req.Params)
	case TOTAL_BALANCE:
		result, err = s.totalBalance()
	case LIST_KEYSETS:
		result = s.mint.ListKeysets()
	case ROTATE_KEYSET:
		result, err = s.rotateKeyset()
	case PENDING_MELTS:
		result, err = s.pendingMelts()
	case RECONCILE:
		result, err = s.reconcile()
	default:
		return errorResponse(req.Id, methodNotFoundCode, fmt.Sprintf("method '%v' not found", req.Method))
	}

	if err != nil {
		code := internalErrorCode
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) {
			code = invalidParamsCode
		}
		return errorResponse(req.Id, code, err.Error())
	}

	jsonResult, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.Id, internalErrorCode, err.Error())
	}
	return Response{JsonRPC: JSONRPC_2, Result: jsonResult, Id: req.Id}
}

type IssuedEcashResponse struct {
	Keysets     []KeysetIssued `json:"keysets"`
	TotalIssued uint64         `json:"total_issued"`
}

type KeysetIssued struct {
	Id           string `json:"id"`
	AmountIssued uint64 `json:"amount_issued"`
}

type RedeemedEcashResponse struct {
	Keysets       []KeysetRedeemed `json:"keysets"`
	TotalRedeemed uint64           `json:"total_redeemed"`
}

type KeysetRedeemed struct {
	Id             string `json:"id"`
	AmountRedeemed uint64 `json:"amount_redeemed"`
}

type TotalBalanceResponse struct {
	TotalIssued        IssuedEcashResponse   `json:"total_issued"`
	TotalRedeemed      RedeemedEcashResponse `json:"total_redeemed"`
	TotalInCirculation uint64                `json:"total_circulation"`
}

type PendingMelt struct {
	Quote       string `json:"quote"`
	Request     string `json:"request"`
	PaymentHash string `json:"payment_hash"`
	Amount      uint64 `json:"amount"`
	FeeReserve  uint64 `json:"fee_reserve"`
	Expiry      uint64 `json:"expiry"`
}

type PendingMeltsResponse struct {
	Quotes []PendingMelt `json:"quotes"`
}

type ReconcileResponse struct {
	Settled   int `json:"settled"`
	Remaining int `json:"remaining"`
}

// issued with a keyset id as param returns only the amount for that keyset
func (s *Server) issued(params []string) (any, error) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return issuedEcash, nil
	}

	for _, keyset := range issuedEcash.Keysets {
		if keyset.Id == params[0] {
			return keyset, nil
		}
	}
	if _, ok := s.mint.GetKeysetById(params[0]); ok {
		return KeysetIssued{Id: params[0]}, nil
	}
	return nil, cashu.UnknownKeysetErr
}

func (s *Server) redeemed(params []string) (any, error) {
	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return redeemedEcash, nil
	}

	for _, keyset := range redeemedEcash.Keysets {
		if keyset.Id == params[0] {
			return keyset, nil
		}
	}
	if _, ok := s.mint.GetKeysetById(params[0]); ok {
		return KeysetRedeemed{Id: params[0]}, nil
	}
	return nil, cashu.UnknownKeysetErr
}

// returns total amount of ecash in circulation
func (s *Server) totalBalance() (TotalBalanceResponse, error) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		return TotalBalanceResponse{}, err
	}

	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		return TotalBalanceResponse{}, err
	}

	var inCirculation uint64
	if issuedEcash.TotalIssued > redeemedEcash.TotalRedeemed {
		inCirculation = issuedEcash.TotalIssued - redeemedEcash.TotalRedeemed
	}
	return TotalBalanceResponse{
		TotalIssued:        issuedEcash,
		TotalRedeemed:      redeemedEcash,
		TotalInCirculation: inCirculation,
	}, nil
}

func (s *Server) rotateKeyset() (nut02.Keyset, error) {
	newKeyset, err := s.mint.RotateKeyset()
	if err != nil {
		return nut02.Keyset{}, err
	}
	return nut02.Keyset{Id: newKeyset.Id, Unit: newKeyset.Unit, Active: newKeyset.Active}, nil
}

func (s *Server) pendingMelts() (PendingMeltsResponse, error) {
	quotes, err := s.mint.PendingMeltQuotes()
	if err != nil {
		return PendingMeltsResponse{}, fmt.Errorf("unable to get pending melt quotes from db: %v", err)
	}

	response := PendingMeltsResponse{Quotes: make([]PendingMelt, len(quotes))}
	for i, quote := range quotes {
		response.Quotes[i] = PendingMelt{
			Quote:       quote.Id,
			Request:     quote.InvoiceRequest,
			PaymentHash: quote.PaymentHash,
			Amount:      quote.Amount,
			FeeReserve:  quote.FeeReserve,
			Expiry:      quote.Expiry,
		}
	}
	return response, nil
}

func (s *Server) reconcile() (ReconcileResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settled, err := s.mint.ReconcilePendingMeltQuotes(ctx)
	if err != nil {
		return ReconcileResponse{}, fmt.Errorf("error reconciling pending melt quotes: %v", err)
	}
	remaining, err := s.mint.PendingMeltQuotes()
	if err != nil {
		return ReconcileResponse{}, fmt.Errorf("unable to get pending melt quotes from db: %v", err)
	}
	return ReconcileResponse{Settled: settled, Remaining: len(remaining)}, nil
}

func (s *Server) issuedEcash() (IssuedEcashResponse, error) {
	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		return IssuedEcashResponse{}, fmt.Errorf("unable to get issued ecash from db: %v", err)
	}

	var issuedEcash IssuedEcashResponse
	var totalIssued uint64
	for keysetId, amount := range issuedEcashMap {
		issuedByKeyset := KeysetIssued{Id: keysetId, AmountIssued: amount}
		issuedEcash.Keysets = append(issuedEcash.Keysets, issuedByKeyset)
		totalIssued += amount
	}
	issuedEcash.TotalIssued = totalIssued
	return issuedEcash, nil
}

func (s *Server) redeemedEcash() (RedeemedEcashResponse, error) {
	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		return RedeemedEcashResponse{}, fmt.Errorf("unable to get redeemed ecash from db: %v", err)
	}

	var redeemedEcash RedeemedEcashResponse
	var totalRedeemed uint64
	for keysetId, amount := range redeemedEcashMap {
		redeemedByKeyset := KeysetRedeemed{Id: keysetId, AmountRedeemed: amount}
		redeemedEcash.Keysets = append(redeemedEcash.Keysets, redeemedByKeyset)
		totalRedeemed += amount
	}
	redeemedEcash.TotalRedeemed = totalRedeemed
	return redeemedEcash, nil
}
