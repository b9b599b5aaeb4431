package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

// Client is one real-time connection. Every frame to the peer goes through
// BroadcastChan so the connection has a single writer.
type Client struct {
	ID            string
	conn          *websocket.Conn
	BroadcastChan chan []byte

	mu            sync.Mutex
	subscriptions map[string]struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:            xid.New().String(),
		conn:          conn,
		BroadcastChan: make(chan []byte, 64),
		subscriptions: map[string]struct{}{},
		done:          make(chan struct{}),
	}
}

// Listen writes queued frames and keep-alives until the client is closed.
func (c *Client) Listen(keepAlive time.Duration) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.BroadcastChan:
			c.SendMessage(msg)
		case <-ticker.C:
			bytes, err := utils.BuildProtocolMessage(utils.KeepAliveMessage, "", nil)
			if err == nil {
				c.SendMessage(bytes)
			}
		}
	}
}

func (c *Client) SendMessage(msg []byte) {
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Warn().Err(err).Str("client_id", c.ID).Msg("failed to send message")
	}
}

// Send queues a frame; frames for a closed client are dropped.
func (c *Client) Send(msgType, id string, payload interface{}) {
	bytes, err := utils.BuildProtocolMessage(msgType, id, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to build frame")
		return
	}
	select {
	case c.BroadcastChan <- bytes:
	case <-c.done:
	}
}

func (c *Client) Subscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[id] = struct{}{}
}

func (c *Client) Unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	return ok
}

func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

// Publish queues message for every subscription of the client. It never
// blocks: a client that cannot keep up is disconnected.
func (c *Client) Publish(message chat.ChatMessage) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		bytes, err := utils.BuildProtocolMessage(utils.DataMessage, id, &dataPayload{Data: onCreateChatMessageData{OnCreateChatMessage: message}})
		if err != nil {
			log.Error().Err(err).Msg("failed to build data frame")
			return
		}
		select {
		case c.BroadcastChan <- bytes:
		case <-c.done:
			return
		default:
			log.Warn().Str("client_id", c.ID).Msg("client queue full, disconnecting")
			c.Close()
			return
		}
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
