package mint

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut17"
	"github.com/stretchr/testify/require"
)

func dialWebsocket(t *testing.T, ms *MintServer) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(ms.httpServer.Handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMessage(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msg, &fields))
	return fields
}

func readNotificationState(t *testing.T, fields map[string]json.RawMessage) nut04.State {
	t.Helper()

	var params nut17.NotificationParams
	require.NoError(t, json.Unmarshal(fields["params"], &params))
	var quote nut04.PostMintQuoteBolt11Response
	require.NoError(t, json.Unmarshal(params.Payload, &quote))
	return quote.State
}

func TestMintQuoteSubscription(t *testing.T) {
	mintServer, backend := setupTestServer(t)
	backend.AutoSettle = false

	mintQuote, err := mintServer.mint.RequestMintQuote(BOLT11_METHOD, 100, SAT_UNIT)
	require.NoError(t, err)

	conn := dialWebsocket(t, mintServer)
	require.NoError(t, conn.WriteJSON(nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params: nut17.RequestParams{
			Kind:    nut17.Bolt11MintQuote.String(),
			SubId:   "sub1",
			Filters: []string{mintQuote.Id},
		},
		Id: 0,
	}))

	// the response and the initial state can arrive in any order
	var gotResponse, gotInitial bool
	for i := 0; i < 2; i++ {
		fields := readWsMessage(t, conn)
		if result, ok := fields["result"]; ok {
			var res nut17.Result
			require.NoError(t, json.Unmarshal(result, &res))
			require.Equal(t, nut17.OK, res.Status)
			require.Equal(t, "sub1", res.SubId)
			gotResponse = true
		} else {
			require.Equal(t, nut04.Unpaid, readNotificationState(t, fields))
			gotInitial = true
		}
	}
	require.True(t, gotResponse)
	require.True(t, gotInitial)

	require.NoError(t, backend.SettleInvoice(mintQuote.PaymentHash))
	require.Equal(t, nut04.Paid, readNotificationState(t, readWsMessage(t, conn)))
}

func TestInvalidSubscriptions(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	conn := dialWebsocket(t, mintServer)

	tests := []struct {
		name string
		req  nut17.WsRequest
	}{
		{
			name: "unknown method",
			req:  nut17.WsRequest{JsonRPC: nut17.JSONRPC_2, Method: "publish", Id: 1},
		},
		{
			name: "no filters",
			req: nut17.WsRequest{
				JsonRPC: nut17.JSONRPC_2,
				Method:  nut17.SUBSCRIBE,
				Params:  nut17.RequestParams{Kind: nut17.ProofState.String(), SubId: "sub"},
				Id:      2,
			},
		},
		{
			name: "quote does not exist",
			req: nut17.WsRequest{
				JsonRPC: nut17.JSONRPC_2,
				Method:  nut17.SUBSCRIBE,
				Params: nut17.RequestParams{
					Kind:    nut17.Bolt11MeltQuote.String(),
					SubId:   "sub",
					Filters: []string{"nonexistent"},
				},
				Id: 3,
			},
		},
		{
			name: "unsubscribe unknown sub",
			req: nut17.WsRequest{
				JsonRPC: nut17.JSONRPC_2,
				Method:  nut17.UNSUBSCRIBE,
				Params:  nut17.RequestParams{SubId: "sub"},
				Id:      4,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(test.req))

			fields := readWsMessage(t, conn)
			require.Contains(t, fields, "error")

			var wsErr nut17.WsError
			raw, _ := json.Marshal(fields)
			require.NoError(t, json.Unmarshal(raw, &wsErr))
			require.Equal(t, test.req.Id, wsErr.Id)
			require.Equal(t, nut17.InvalidRequestCode, wsErr.ErrResponse.Code)
			require.NotEmpty(t, wsErr.ErrResponse.Message)
		})
	}
}
