package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

// Chat stores messages in redis and fans every creation out to the connected
// subscribers.
type Chat struct {
	RedisClient   *redis.Client
	BroadcastChan chan chat.ChatMessage

	mu      sync.RWMutex
	Clients map[string]*Client
	now     func() time.Time
}

func NewChat(redisClient *redis.Client) *Chat {
	return &Chat{
		RedisClient:   redisClient,
		BroadcastChan: make(chan chat.ChatMessage, 64),
		Clients:       map[string]*Client{},
		now:           time.Now,
	}
}

func (c *Chat) ListMessages(ctx context.Context) ([]chat.ChatMessage, error) {
	raw, err := c.RedisClient.LRange(ctx, utils.RedisMessagesListKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages from redis: %w", err)
	}
	messages := lo.FilterMap(raw, func(item string, _ int) (chat.ChatMessage, bool) {
		var message chat.ChatMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt message in redis")
			return message, false
		}
		return message, true
	})
	return messages, nil
}

// CreateMessage stamps id and createdAt, stores the message and queues it for
// broadcast.
func (c *Chat) CreateMessage(ctx context.Context, input chat.CreateChatMessageInput) (*chat.ChatMessage, error) {
	message := &chat.ChatMessage{
		ID:        uuid.NewString(),
		Message:   input.Message,
		CreatedAt: c.now().UTC().Format(chat.CreatedAtLayout),
	}
	bytes, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("could not marshal message: %w", err)
	}
	if err := c.RedisClient.RPush(ctx, utils.RedisMessagesListKey, bytes).Err(); err != nil {
		return nil, fmt.Errorf("failed to save message to redis: %w", err)
	}
	select {
	case c.BroadcastChan <- *message:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return message, nil
}

func (c *Chat) Join(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Clients[client.ID] = client
	log.Info().Str("client_id", client.ID).Int("connected", len(c.Clients)).Msg("client connected")
}

func (c *Chat) Leave(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Clients, client.ID)
	log.Info().Str("client_id", client.ID).Int("connected", len(c.Clients)).Msg("client disconnected")
}

func (c *Chat) ListenToBroadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-c.BroadcastChan:
			c.mu.RLock()
			clients := lo.Values(c.Clients)
			c.mu.RUnlock()
			for _, client := range clients {
				client.Publish(message)
			}
		}
	}
}
