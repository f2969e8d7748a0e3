package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/cashu/nuts/nut07"
	"github.com/lnmint/lnmint/cashu/nuts/nut17"
	"github.com/lnmint/lnmint/mint/pubsub"
)

const (
	BOLT11_MINT_QUOTE_TOPIC = "bolt11_mint_quote_topic"
	BOLT11_MELT_QUOTE_TOPIC = "bolt11_melt_quote_topic"
	PROOF_STATE_TOPIC       = "proof_state_topic"

	maxSubscriptions = 100
	maxFilters       = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type WebsocketManager struct {
	clients map[*Client]bool
	sync.RWMutex
	mint *Mint
}

func NewWebSocketManager(mint *Mint) *WebsocketManager {
	return &WebsocketManager{
		clients: make(map[*Client]bool),
		mint:    mint,
	}
}

func (wm *WebsocketManager) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.mint.logErrorf("could not upgrade to websocket connection: %v", err)
		return
	}

	client := NewClient(conn, wm)
	wm.addClient(client)

	wm.mint.logInfof("websocket connection established.")

	go client.readMessages()
	go client.writeMessages()
}

func (wm *WebsocketManager) addClient(client *Client) {
	wm.Lock()
	wm.clients[client] = true
	wm.Unlock()
}

func (wm *WebsocketManager) removeClient(client *Client) {
	wm.Lock()
	if _, ok := wm.clients[client]; ok {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

// closeAll is called on server shutdown.
func (wm *WebsocketManager) closeAll() {
	wm.Lock()
	for client := range wm.clients {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

type Client struct {
	conn          *websocket.Conn
	subscriptions map[string]SubscriptionClient
	mu            sync.Mutex
	manager       *WebsocketManager

	// aggregate writes through this channel since there can only be one concurrent writer.
	send      chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once

	msgSizeLimit int64
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewClient(conn *websocket.Conn, manager *WebsocketManager) *Client {
	return &Client{
		conn:          conn,
		subscriptions: make(map[string]SubscriptionClient),
		manager:       manager,
		send:          make(chan json.RawMessage),
		done:          make(chan struct{}),
		msgSizeLimit:  2048,
		pongWait:      60 * time.Second,
		pingInterval:  30 * time.Second,
	}
}

// write queues the message unless the connection is closed.
func (c *Client) write(msg json.RawMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *Client) writeJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.manager.mint.logErrorf("could not marshal websocket message: %v", err)
		return
	}
	c.write(msg)
}

func (c *Client) readMessages() {
	defer c.manager.removeClient(c)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return
	}

	c.conn.SetReadLimit(c.msgSizeLimit)
	c.conn.SetPongHandler(func(string) error {
		// increase deadline for next read to current time + pongWait
		// whenever it receives a pong response from a ping we sent
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				c.manager.mint.logDebugf("detected unexpected closed connection: %v", err)
			}
			return
		}

		// this is the only type of message clients will send to the mint
		var wsRequest nut17.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			wsErr := nut17.NewWsError("invalid request", -1)
			c.manager.mint.logDebugf("got invalid websocket request. Sending error message: %v", wsErr)
			c.writeJSON(wsErr)
			continue
		}

		wsResponse, wsError := c.processRequest(wsRequest)
		if wsError != nil {
			c.manager.mint.logDebugf("error processing websocket request. Sending error message: %v", wsError)
			c.writeJSON(wsError)
			continue
		}

		c.writeJSON(wsResponse)
	}
}

func (c *Client) writeMessages() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.manager.removeClient(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.manager.mint.logDebugf("sending websocket message: %s", msg)
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.manager.mint.logErrorf("could not write message on websocket connection: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.manager.mint.logDebugf("could not write ping message: %v. closing websocket connection", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) processRequest(req nut17.WsRequest) (*nut17.WsResponse, *nut17.WsError) {
	switch req.Method {
	case nut17.SUBSCRIBE:
		return c.subscriptionRequest(req)
	case nut17.UNSUBSCRIBE:
		return c.unsubscriptionRequest(req)
	}

	return nil, nut17.NewWsError("invalid request method", req.Id)
}

func (c *Client) subscriptionRequest(req nut17.WsRequest) (*nut17.WsResponse, *nut17.WsError) {
	c.mu.Lock()
	_, exists := c.subscriptions[req.Params.SubId]
	count := len(c.subscriptions)
	c.mu.Unlock()

	if exists {
		return nil, nut17.NewWsError(fmt.Sprintf("subscription with subId '%v' already exists", req.Params.SubId), req.Id)
	}
	if count >= maxSubscriptions {
		return nil, nut17.NewWsError("reached subscription limit", req.Id)
	}
	if len(req.Params.Filters) == 0 || len(req.Params.Filters) > maxFilters {
		return nil, nut17.NewWsError("invalid number of filters", req.Id)
	}

	kind := nut17.StringToKind(req.Params.Kind)
	initialStates, err := c.manager.mint.currentStates(kind, req.Params.Filters)
	if err != nil {
		return nil, nut17.NewWsError(err.Error(), req.Id)
	}

	subClient := NewPubSubClient(req.Params.SubId, kind, initialStates, c.manager.mint.publisher)
	c.manager.mint.logDebugf("adding new subscription of kind '%s' with sub id '%v'", req.Params.Kind, req.Params.SubId)
	c.addSubscriptionClient(req.Params.SubId, subClient)

	go func() {
		// send initial state of each filter
		for _, state := range initialStates {
			c.writeJSON(nut17.NewWsNotification(req.Params.SubId, state.payload))
		}
		listenForSubscriptionUpdates(subClient, c)
	}()

	response := nut17.NewWsResponse(req.Params.SubId, req.Id)
	return &response, nil
}

func (c *Client) unsubscriptionRequest(req nut17.WsRequest) (*nut17.WsResponse, *nut17.WsError) {
	c.mu.Lock()
	_, ok := c.subscriptions[req.Params.SubId]
	c.mu.Unlock()
	if !ok {
		return nil, nut17.NewWsError(fmt.Sprintf("subscription with subId '%v' does not exist", req.Params.SubId), req.Id)
	}

	c.manager.mint.logDebugf("got unsubscription request. Removing sub '%v'", req.Params.SubId)
	c.removeSubscriptionClient(req.Params.SubId)
	response := nut17.NewWsResponse(req.Params.SubId, req.Id)
	return &response, nil
}

func (c *Client) addSubscriptionClient(subId string, subClient SubscriptionClient) {
	c.mu.Lock()
	c.subscriptions[subId] = subClient
	c.mu.Unlock()
}

func (c *Client) removeSubscriptionClient(subId string) {
	c.mu.Lock()
	if subClient, ok := c.subscriptions[subId]; ok {
		subClient.Close()
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()
}

// cancel all subscriptions and close websocket connection
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for subId, subClient := range c.subscriptions {
			subClient.Close()
			delete(c.subscriptions, subId)
		}
		c.mu.Unlock()
		c.conn.Close()
	})
}

func listenForSubscriptionUpdates(subClient SubscriptionClient, c *Client) {
	notifChan := subClient.Read()
	for {
		select {
		case notif, ok := <-notifChan:
			if !ok {
				return
			}
			c.writeJSON(notif)
		case <-subClient.Context().Done():
			return
		case <-c.done:
			return
		}
	}
}

// filterState is the last known state of a quote or proof
// along with the payload sent to subscribers.
type filterState struct {
	key     string
	state   string
	payload json.RawMessage
}

// currentStates returns the state of each filter for the kind of subscription.
func (m *Mint) currentStates(kind nut17.SubscriptionKind, filters []string) ([]filterState, error) {
	states := make([]filterState, 0, len(filters))

	switch kind {
	case nut17.Bolt11MintQuote:
		for _, quoteId := range filters {
			quote, err := m.db.GetMintQuote(quoteId)
			if err != nil {
				return nil, fmt.Errorf("quote %v does not exist", quoteId)
			}
			payload, _ := json.Marshal(nut04.PostMintQuoteBolt11Response{
				Quote:   quote.Id,
				Request: quote.PaymentRequest,
				State:   quote.State,
				Expiry:  quote.Expiry,
			})
			states = append(states, filterState{key: quote.Id, state: quote.State.String(), payload: payload})
		}

	case nut17.Bolt11MeltQuote:
		for _, quoteId := range filters {
			quote, err := m.db.GetMeltQuote(quoteId)
			if err != nil {
				return nil, fmt.Errorf("quote %v does not exist", quoteId)
			}
			payload, _ := json.Marshal(meltQuoteResponse(quote))
			states = append(states, filterState{key: quote.Id, state: quote.State.String(), payload: payload})
		}

	case nut17.ProofState:
		proofStates, err := m.ProofsStateCheck(filters)
		if err != nil {
			return nil, err
		}
		for _, proofState := range proofStates {
			payload, _ := json.Marshal(proofState)
			states = append(states, filterState{key: proofState.Y, state: proofState.State.String(), payload: payload})
		}

	default:
		return nil, fmt.Errorf("invalid subscription kind")
	}

	return states, nil
}

type SubscriptionClient interface {
	Read() <-chan nut17.WsNotification
	Context() context.Context
	Close()
}

// PubSubClient forwards the updates published for one kind of
// subscription whenever the state of one of its filters changes.
type PubSubClient struct {
	subId  string
	kind   nut17.SubscriptionKind
	topic  string
	ctx    context.Context
	cancel context.CancelFunc

	pubsub     *pubsub.PubSub
	subscriber *pubsub.Subscriber
	// last state sent for each filter
	states map[string]string
}

func NewPubSubClient(
	subId string,
	kind nut17.SubscriptionKind,
	initialStates []filterState,
	ps *pubsub.PubSub,
) *PubSubClient {
	topic := kindTopic(kind)
	ctx, cancel := context.WithCancel(context.Background())

	states := make(map[string]string, len(initialStates))
	for _, state := range initialStates {
		states[state.key] = state.state
	}

	return &PubSubClient{
		subId:      subId,
		kind:       kind,
		topic:      topic,
		ctx:        ctx,
		cancel:     cancel,
		pubsub:     ps,
		subscriber: ps.Subscribe(topic),
		states:     states,
	}
}

func kindTopic(kind nut17.SubscriptionKind) string {
	switch kind {
	case nut17.Bolt11MintQuote:
		return BOLT11_MINT_QUOTE_TOPIC
	case nut17.Bolt11MeltQuote:
		return BOLT11_MELT_QUOTE_TOPIC
	default:
		return PROOF_STATE_TOPIC
	}
}

// decodeUpdate extracts the filter key and state from a published payload.
func decodeUpdate(kind nut17.SubscriptionKind, payload []byte) (string, string, error) {
	switch kind {
	case nut17.Bolt11MintQuote:
		var quote nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(payload, &quote); err != nil {
			return "", "", err
		}
		return quote.Quote, quote.State.String(), nil
	case nut17.Bolt11MeltQuote:
		var quote nut05.PostMeltQuoteBolt11Response
		if err := json.Unmarshal(payload, &quote); err != nil {
			return "", "", err
		}
		return quote.Quote, quote.State.String(), nil
	default:
		var proofState nut07.ProofState
		if err := json.Unmarshal(payload, &proofState); err != nil {
			return "", "", err
		}
		return proofState.Y, proofState.State.String(), nil
	}
}

func (client *PubSubClient) Read() <-chan nut17.WsNotification {
	notifChan := make(chan nut17.WsNotification)

	// channel on which to receive db update events
	messagesChan := client.subscriber.GetMessages()

	go func() {
		defer close(notifChan)
		for {
			select {
			case msg, ok := <-messagesChan:
				if !ok {
					return
				}

				key, state, err := decodeUpdate(client.kind, msg.Payload())
				if err != nil {
					continue
				}
				previousState, ok := client.states[key]
				// send notification if there was a state change
				if !ok || previousState == state {
					continue
				}
				client.states[key] = state

				select {
				case notifChan <- nut17.NewWsNotification(client.subId, msg.Payload()):
				case <-client.ctx.Done():
					return
				}

			case <-client.ctx.Done():
				return
			}
		}
	}()

	return notifChan
}

func (client *PubSubClient) Context() context.Context {
	return client.ctx
}

func (client *PubSubClient) Close() {
	client.cancel()
	client.pubsub.Unsubscribe(client.subscriber, client.topic)
	client.subscriber.Close()
}
