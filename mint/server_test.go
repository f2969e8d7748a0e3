package mint

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut01"
	"github.com/lnmint/lnmint/cashu/nuts/nut02"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut06"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint/lightning"
)

func setupTestServer(t *testing.T) (*MintServer, *lightning.FakeBackend) {
	t.Helper()

	backend := lightning.NewFakeBackend()
	mint, err := LoadMint(Config{
		MintPath:          t.TempDir(),
		LightningClient:   backend,
		LogLevel:          Disable,
		ReconcileInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	t.Cleanup(func() { mint.Shutdown() })

	mintServer := &MintServer{
		mint:             mint,
		cache:            NewMemoryCache(time.Minute, 100),
		websocketManager: NewWebSocketManager(mint),
	}
	mintServer.setupHttpServer(0)
	return mintServer, backend
}

func createOutputs(t *testing.T, amount uint64, keysetId string) cashu.BlindedMessages {
	t.Helper()

	amounts := cashu.AmountSplit(amount)
	outputs := make(cashu.BlindedMessages, len(amounts))
	for i, amt := range amounts {
		var secret [32]byte
		if _, err := rand.Read(secret[:]); err != nil {
			t.Fatal(err)
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		B_, _, err := crypto.BlindMessage(hex.EncodeToString(secret[:]), r)
		if err != nil {
			t.Fatalf("error blinding message: %v", err)
		}
		outputs[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
	}
	return outputs
}

func TestActiveKeysetsHandler(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/v1/keys", nil)
	if err != nil {
		t.Fatalf("error creating request: %v", err)
	}

	mintServer, _ := setupTestServer(t)
	activeKeyset := mintServer.mint.GetActiveKeyset()

	w := httptest.NewRecorder()
	mintServer.getActiveKeysets(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status code %d but got %d", http.StatusOK, w.Code)
	}

	expectedKeysetResponse := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{
				Id:   activeKeyset.Id,
				Unit: cashu.Sat.String(),
				Keys: activeKeyset.PublicKeys(),
			},
		},
	}

	expectedJson, _ := json.Marshal(expectedKeysetResponse)
	if !bytes.Equal(expectedJson, w.Body.Bytes()) {
		t.Fatal("responses do not match")
	}
}

func TestGetKeysetsHandler(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/v1/keysets", nil)
	if err != nil {
		t.Fatalf("error creating request: %v", err)
	}

	mintServer, _ := setupTestServer(t)
	inactiveKeyset := mintServer.mint.GetActiveKeyset()
	activeKeyset, err := mintServer.mint.RotateKeyset()
	if err != nil {
		t.Fatalf("error rotating keyset: %v", err)
	}

	w := httptest.NewRecorder()
	mintServer.getKeysetsList(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status code %d but got %d", http.StatusOK, w.Code)
	}

	// sorted by derivation index
	expectedKeysetsResponse := nut02.GetKeysetsResponse{
		Keysets: []nut02.Keyset{
			{
				Id:     inactiveKeyset.Id,
				Unit:   cashu.Sat.String(),
				Active: false,
			},
			{
				Id:     activeKeyset.Id,
				Unit:   cashu.Sat.String(),
				Active: true,
			},
		},
	}

	var keysetsResponse nut02.GetKeysetsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &keysetsResponse); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(expectedKeysetsResponse, keysetsResponse) {
		t.Fatalf("keyset responses do not match. Expected '%+v' but got '%+v'",
			expectedKeysetsResponse, keysetsResponse)
	}
}

func TestGetKeysetByIdHandler(t *testing.T) {
	mintServer, _ := setupTestServer(t)

	inactiveKeyset := mintServer.mint.GetActiveKeyset()
	activeKeyset, err := mintServer.mint.RotateKeyset()
	if err != nil {
		t.Fatalf("error rotating keyset: %v", err)
	}

	expectedActiveJson, _ := json.Marshal(nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{
				Id:   activeKeyset.Id,
				Unit: activeKeyset.Unit,
				Keys: activeKeyset.PublicKeys(),
			},
		},
	})
	expectedInactiveJson, _ := json.Marshal(nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{
				Id:   inactiveKeyset.Id,
				Unit: inactiveKeyset.Unit,
				Keys: inactiveKeyset.PublicKeys(),
			},
		},
	})
	expectedKeysetNotFound, _ := json.Marshal(cashu.UnknownKeysetErr)

	tests := []struct {
		name               string
		id                 string
		expectedStatusCode int
		expectedJson       []byte
	}{
		{
			name:               "active keyset",
			id:                 activeKeyset.Id,
			expectedStatusCode: http.StatusOK,
			expectedJson:       expectedActiveJson,
		},
		{
			name:               "inactive keyset",
			id:                 inactiveKeyset.Id,
			expectedStatusCode: http.StatusOK,
			expectedJson:       expectedInactiveJson,
		},
		{
			name:               "non existent keyset",
			id:                 "non-existent-id",
			expectedStatusCode: http.StatusBadRequest,
			expectedJson:       expectedKeysetNotFound,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "/v1/keys/"+test.id, nil)
			if err != nil {
				t.Fatalf("error creating request: %v", err)
			}

			w := httptest.NewRecorder()
			mintServer.httpServer.Handler.ServeHTTP(w, req)

			if w.Code != test.expectedStatusCode {
				t.Errorf("expected status code %d but got %d", test.expectedStatusCode, w.Code)
			}

			if !bytes.Equal(test.expectedJson, w.Body.Bytes()) {
				t.Fatal("responses do not match")
			}
		})
	}
}

func TestMintRequestCachedResponse(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	handler := mintServer.httpServer.Handler

	quoteBody, _ := json.Marshal(nut04.PostMintQuoteBolt11Request{Amount: 21, Unit: SAT_UNIT})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/mint/quote/bolt11", bytes.NewReader(quoteBody)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var quoteResponse nut04.PostMintQuoteBolt11Response
	if err := json.Unmarshal(w.Body.Bytes(), &quoteResponse); err != nil {
		t.Fatal(err)
	}

	keyset := mintServer.mint.GetActiveKeyset()
	mintBody, _ := json.Marshal(nut04.PostMintBolt11Request{
		Quote:   quoteResponse.Quote,
		Outputs: createOutputs(t, 21, keyset.Id),
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/mint/bolt11", bytes.NewReader(mintBody)))
	if first.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, first.Code, first.Body.String())
	}

	// same request again gets the same signatures instead of an error
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/mint/bolt11", bytes.NewReader(mintBody)))
	if second.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, second.Code, second.Body.String())
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("expected cached response to match the first one")
	}

	// a different request for the same quote is not served from cache
	otherBody, _ := json.Marshal(nut04.PostMintBolt11Request{
		Quote:   quoteResponse.Quote,
		Outputs: createOutputs(t, 21, keyset.Id),
	})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/mint/bolt11", bytes.NewReader(otherBody)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status code %d but got %d", http.StatusBadRequest, w.Code)
	}
	var cashuErr cashu.Error
	if err := json.Unmarshal(w.Body.Bytes(), &cashuErr); err != nil {
		t.Fatal(err)
	}
	if cashuErr.Code != cashu.MintQuoteAlreadyIssuedErrCode {
		t.Fatalf("expected error code %v but got %v", cashu.MintQuoteAlreadyIssuedErrCode, cashuErr.Code)
	}
}

func TestRequestBody(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	handler := mintServer.httpServer.Handler

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "invalid json", body: "{not json"},
		{name: "body too large", body: `{"inputs":"` + strings.Repeat("a", maxRequestBodySize) + `"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/swap", strings.NewReader(test.body)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status code %d but got %d", http.StatusBadRequest, w.Code)
			}
		})
	}
}

func TestWriteErr(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)

	tests := []struct {
		name     string
		err      error
		expected cashu.Error
	}{
		{name: "cashu error", err: cashu.ProofAlreadyUsedErr, expected: cashu.ProofAlreadyUsedErr},
		{
			name:     "built cashu error",
			err:      cashu.BuildCashuError("amount is below the minimum for minting", cashu.AmountLimitExceeded),
			expected: cashu.Error{Detail: "amount is below the minimum for minting", Code: cashu.AmountLimitExceeded},
		},
		{name: "internal error", err: errors.New("db is on fire"), expected: cashu.StandardErr},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mintServer.writeErr(w, req, test.err)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status code %d but got %d", http.StatusBadRequest, w.Code)
			}
			var cashuErr cashu.Error
			if err := json.Unmarshal(w.Body.Bytes(), &cashuErr); err != nil {
				t.Fatal(err)
			}
			if cashuErr != test.expected {
				t.Fatalf("expected error '%+v' but got '%+v'", test.expected, cashuErr)
			}
		})
	}
}

func TestMintInfoHandler(t *testing.T) {
	mintServer, _ := setupTestServer(t)

	w := httptest.NewRecorder()
	mintServer.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS header but got '%v'", origin)
	}

	var info nut06.MintInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Pubkey != mintServer.mint.pubkey {
		t.Fatalf("expected pubkey '%v' but got '%v'", mintServer.mint.pubkey, info.Pubkey)
	}
	if info.Nuts.Nut19 == nil || len(info.Nuts.Nut19.CachedEndpoints) != 3 {
		t.Fatal("expected 3 cached endpoints in info")
	}
	if info.Nuts.Nut17 == nil || len(info.Nuts.Nut17.Supported) == 0 {
		t.Fatal("expected websocket subscriptions in info")
	}
}

func TestMetricsHandler(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	mintServer.mint.metrics.swaps.Inc()

	w := httptest.NewRecorder()
	mintServer.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "lnmint_swaps_total 1") {
		t.Fatal("expected swaps counter in metrics")
	}
}
