package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut03"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/cashu/nuts/nut07"
	"github.com/lnmint/lnmint/cashu/nuts/nut09"
)

const maxRequestBodySize = 1 << 20

type MintServer struct {
	httpServer       *http.Server
	mint             *Mint
	cache            ResponseCache
	websocketManager *WebsocketManager
}

func (ms *MintServer) Start() error {
	ms.mint.logInfof("mint server listening on: %v", ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the http server and then the mint.
func (ms *MintServer) Shutdown() error {
	ms.mint.logInfof("starting shutdown of mint server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ms.httpServer.Shutdown(ctx)
	ms.websocketManager.closeAll()
	if mintErr := ms.mint.Shutdown(); mintErr != nil && err == nil {
		err = mintErr
	}
	return err
}

func StartMintServer(server *MintServer) error {
	return server.Start()
}

func SetupMintServer(config Config) (*MintServer, error) {
	mint, err := LoadMint(config)
	if err != nil {
		return nil, err
	}

	cache, err := newResponseCache(config.Cache)
	if err != nil {
		mint.Shutdown()
		return nil, fmt.Errorf("error setting up response cache: %v", err)
	}

	mintServer := &MintServer{
		mint:             mint,
		cache:            cache,
		websocketManager: NewWebSocketManager(mint),
	}
	mintServer.setupHttpServer(config.Port)
	return mintServer, nil
}

func (ms *MintServer) Mint() *Mint {
	return ms.mint
}

func (ms *MintServer) setupHttpServer(port int) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}", ms.mintRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/{method}", ms.mintTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}", ms.meltQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/{method}", ms.meltTokens).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", ms.tokenStateCheck).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/restore", ms.restoreSignatures).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/ws", ms.websocketManager.serveWS)
	r.Handle("/metrics", ms.mint.metrics.handler()).Methods(http.MethodGet)

	r.Use(setupHeaders)

	if port == 0 {
		port = 3338
	}
	ms.httpServer = &http.Server{
		Addr:              "127.0.0.1:" + strconv.Itoa(port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Origin")

		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response []byte) {
	rw.Header().Set("Content-Type", "application/json")
	if _, err := rw.Write(response); err != nil {
		ms.mint.logErrorf("error writing response to %v: %v", req.URL.Path, err)
	}
}

// writeErr returns cashu errors to the client as is. Any other error is
// logged and replaced with a generic one.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, errResponse error) {
	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	switch {
	case errors.As(errResponse, &cashuErr):
	case errors.As(errResponse, &cashuErrPtr):
		cashuErr = *cashuErrPtr
	default:
		ms.mint.logErrorf("error processing request to %v: %v", req.URL.Path, errResponse)
		cashuErr = cashu.StandardErr
	}

	ms.mint.logDebugf("returning error for request to %v: %v", req.URL.Path, cashuErr)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	errRes, _ := json.Marshal(cashuErr)
	rw.Write(errRes)
}

func (ms *MintServer) writeJSON(rw http.ResponseWriter, req *http.Request, v any) {
	jsonRes, err := json.Marshal(v)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

// readBody reads the request body up to the size limit.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, cashu.EmptyBodyErr
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize+1))
	if err != nil {
		return nil, cashu.StandardErr
	}
	if len(body) == 0 {
		return nil, cashu.EmptyBodyErr
	}
	if len(body) > maxRequestBodySize {
		return nil, cashu.BuildCashuError("request body too large", cashu.StandardErrCode)
	}
	return body, nil
}

func decodeJsonReqBody(req *http.Request, dst any) ([]byte, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid request body: %v", err), cashu.StandardErrCode)
	}
	return body, nil
}

// cachedResponse writes the stored response for the same request if there is one.
func (ms *MintServer) cachedResponse(rw http.ResponseWriter, req *http.Request, key string) bool {
	response, ok, err := ms.cache.Get(req.Context(), key)
	if err != nil {
		ms.mint.logErrorf("could not read response cache: %v", err)
		return false
	}
	if !ok {
		return false
	}
	ms.mint.logDebugf("returning cached response for request to %v", req.URL.Path)
	ms.writeResponse(rw, req, response)
	return true
}

func (ms *MintServer) cacheResponse(req *http.Request, key string, response []byte) {
	if err := ms.cache.Set(req.Context(), key, response); err != nil {
		ms.mint.logErrorf("could not cache response: %v", err)
	}
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	ms.writeJSON(rw, req, keysetResponse(ms.mint.GetActiveKeyset()))
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	ms.writeJSON(rw, req, ms.mint.ListKeysets())
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	keyset, ok := ms.mint.GetKeysetById(id)
	if !ok {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}
	ms.writeJSON(rw, req, keysetResponse(keyset))
}

func (ms *MintServer) mintRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var mintReq nut04.PostMintQuoteBolt11Request
	if _, err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuote, err := ms.mint.RequestMintQuote(method, mintReq.Amount, mintReq.Unit)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	})
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	mintQuote, err := ms.mint.GetMintQuoteState(vars["method"], vars["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	})
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var mintReq nut04.PostMintBolt11Request
	body, err := decodeJsonReqBody(req, &mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	key := cacheKey(req.Method, req.URL.Path, body)
	if ms.cachedResponse(rw, req, key) {
		return
	}

	signatures, err := ms.mint.MintTokens(method, mintReq.Quote, mintReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response, err := json.Marshal(nut04.PostMintBolt11Response{Signatures: signatures})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.cacheResponse(req, key, response)
	ms.writeResponse(rw, req, response)
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	body, err := decodeJsonReqBody(req, &swapReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	key := cacheKey(req.Method, req.URL.Path, body)
	if ms.cachedResponse(rw, req, key) {
		return
	}

	signatures, err := ms.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response, err := json.Marshal(nut03.PostSwapResponse{Signatures: signatures})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.cacheResponse(req, key, response)
	ms.writeResponse(rw, req, response)
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltRequest nut05.PostMeltQuoteBolt11Request
	if _, err := decodeJsonReqBody(req, &meltRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(method, meltRequest.Request, meltRequest.Unit)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, meltQuoteResponse(meltQuote))
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	meltQuote, err := ms.mint.GetMeltQuoteState(req.Context(), vars["method"], vars["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, meltQuoteResponse(meltQuote))
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltTokensRequest nut05.PostMeltBolt11Request
	body, err := decodeJsonReqBody(req, &meltTokensRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	key := cacheKey(req.Method, req.URL.Path, body)
	if ms.cachedResponse(rw, req, key) {
		return
	}

	meltQuote, err := ms.mint.MeltTokens(
		req.Context(),
		method,
		meltTokensRequest.Quote,
		meltTokensRequest.Inputs,
		meltTokensRequest.Outputs,
	)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response, err := json.Marshal(meltQuoteResponse(meltQuote))
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	// a pending melt can still change so it is not cached
	if meltQuote.State == nut05.Paid || meltQuote.State == nut05.Failed {
		ms.cacheResponse(req, key, response)
	}
	ms.writeResponse(rw, req, response)
}

func (ms *MintServer) tokenStateCheck(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if _, err := decodeJsonReqBody(req, &stateRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	proofStates, err := ms.mint.ProofsStateCheck(stateRequest.Ys)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, nut07.PostCheckStateResponse{States: proofStates})
}

func (ms *MintServer) restoreSignatures(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if _, err := decodeJsonReqBody(req, &restoreRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	ms.writeJSON(rw, req, ms.mint.RetrieveMintInfo())
}
