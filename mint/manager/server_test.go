package manager

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/lnmint/lnmint/mint"
	"github.com/lnmint/lnmint/mint/lightning"
	"github.com/lnmint/lnmint/testutils"
	"github.com/stretchr/testify/require"
)

func setupAdminServer(t *testing.T) (*Server, *mint.Mint, *lightning.FakeBackend) {
	t.Helper()

	backend := lightning.NewFakeBackend()
	testMint, err := testutils.CreateTestMint(backend, t.TempDir(), mint.MintLimits{})
	require.NoError(t, err)
	t.Cleanup(func() { testMint.Shutdown() })

	// unix socket paths have a short length limit
	socketDir, err := os.MkdirTemp("", "lnmint")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(socketDir) })

	server, err := SetupServer(testMint, filepath.Join(socketDir, "admin.sock"))
	require.NoError(t, err)
	go server.Start()
	t.Cleanup(func() { server.Shutdown() })

	return server, testMint, backend
}

func call(t *testing.T, socketPath string, method string, params ...string) Response {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	req := Request{JsonRPC: JSONRPC_2, Method: method, Params: params, Id: 1}
	require.NoError(t, json.NewEncoder(conn).Encode(req))

	var res Response
	require.NoError(t, json.NewDecoder(conn).Decode(&res))
	require.Equal(t, 1, res.Id)
	return res
}

func TestIssuedAndRedeemed(t *testing.T) {
	server, testMint, backend := setupAdminServer(t)

	proofs, err := testutils.GetValidProofsForAmount(64, testMint, backend)
	require.NoError(t, err)

	keyset := testMint.GetActiveKeyset()
	outputs, _, _, err := testutils.CreateBlindedMessages(64, keyset.Id)
	require.NoError(t, err)
	_, err = testMint.Swap(proofs, outputs)
	require.NoError(t, err)
	swapped := proofs.Amount()

	res := call(t, server.socketPath, ISSUED_ECASH_REQUEST)
	require.Zero(t, res.Error.Code)
	var issued IssuedEcashResponse
	require.NoError(t, json.Unmarshal(res.Result, &issued))
	require.Equal(t, 64+swapped, issued.TotalIssued)

	res = call(t, server.socketPath, REDEEMED_ECASH_REQUEST, keyset.Id)
	require.Zero(t, res.Error.Code)
	var redeemed KeysetRedeemed
	require.NoError(t, json.Unmarshal(res.Result, &redeemed))
	require.Equal(t, keyset.Id, redeemed.Id)
	require.Equal(t, swapped, redeemed.AmountRedeemed)

	res = call(t, server.socketPath, TOTAL_BALANCE)
	require.Zero(t, res.Error.Code)
	var balance TotalBalanceResponse
	require.NoError(t, json.Unmarshal(res.Result, &balance))
	require.Equal(t, uint64(64), balance.TotalInCirculation)

	res = call(t, server.socketPath, ISSUED_ECASH_REQUEST, "00ffffffffffffff")
	require.Equal(t, invalidParamsCode, res.Error.Code)
}

func TestKeysets(t *testing.T) {
	server, testMint, _ := setupAdminServer(t)
	previous := testMint.GetActiveKeyset()

	res := call(t, server.socketPath, ROTATE_KEYSET)
	require.Zero(t, res.Error.Code)

	active := testMint.GetActiveKeyset()
	require.NotEqual(t, previous.Id, active.Id)

	res = call(t, server.socketPath, LIST_KEYSETS)
	require.Zero(t, res.Error.Code)

	var keysets struct {
		Keysets []struct {
			Id     string `json:"id"`
			Active bool   `json:"active"`
		} `json:"keysets"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &keysets))
	require.Len(t, keysets.Keysets, 2)
	for _, keyset := range keysets.Keysets {
		require.Equal(t, keyset.Id == active.Id, keyset.Active)
	}
}

func TestPendingMeltsAndReconcile(t *testing.T) {
	server, _, _ := setupAdminServer(t)

	res := call(t, server.socketPath, PENDING_MELTS)
	require.Zero(t, res.Error.Code)
	var pending PendingMeltsResponse
	require.NoError(t, json.Unmarshal(res.Result, &pending))
	require.Empty(t, pending.Quotes)

	res = call(t, server.socketPath, RECONCILE)
	require.Zero(t, res.Error.Code)
	var reconcile ReconcileResponse
	require.NoError(t, json.Unmarshal(res.Result, &reconcile))
	require.Equal(t, ReconcileResponse{Settled: 0, Remaining: 0}, reconcile)
}

func TestInvalidRequests(t *testing.T) {
	server, _, _ := setupAdminServer(t)

	res := call(t, server.socketPath, "unknownmethod")
	require.Equal(t, methodNotFoundCode, res.Error.Code)

	conn, err := net.Dial("unix", server.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(Request{JsonRPC: "1.0", Method: TOTAL_BALANCE, Id: 7}))
	var versionRes Response
	require.NoError(t, json.NewDecoder(conn).Decode(&versionRes))
	require.Equal(t, invalidRequestCode, versionRes.Error.Code)
	require.Equal(t, 7, versionRes.Id)
}
