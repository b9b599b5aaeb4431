package graphql

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/config"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

// AppSyncAPI implements chat.API against an AppSync style GraphQL endpoint.
type AppSyncAPI struct {
	client   *Client
	realtime *RealtimeClient
	auth     Authorizer
}

var _ chat.API = (*AppSyncAPI)(nil)

func NewAppSyncAPI(cfg *config.Config, log zerolog.Logger) (*AppSyncAPI, error) {
	auth, err := NewAuthorizer(cfg)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(cfg.GraphQLEndpoint, auth, &http.Client{Timeout: cfg.RequestTimeout}, log)
	if err != nil {
		return nil, err
	}
	realtime, err := NewRealtimeClient(cfg.RealtimeEndpoint, cfg.GraphQLEndpoint, auth, log)
	if err != nil {
		return nil, err
	}
	return &AppSyncAPI{client: client, realtime: realtime, auth: auth}, nil
}

func (api *AppSyncAPI) Authorizer() Authorizer {
	return api.auth
}

func (api *AppSyncAPI) ListMessages(ctx context.Context) ([]chat.ChatMessage, error) {
	var out struct {
		ListChatMessages *struct {
			Items []*chat.ChatMessage `json:"items"`
		} `json:"listChatMessages"`
	}
	if err := api.client.Do(ctx, utils.ListChatMessagesQuery, nil, &out); err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	if out.ListChatMessages == nil {
		return nil, nil
	}
	messages := make([]chat.ChatMessage, 0, len(out.ListChatMessages.Items))
	for _, item := range out.ListChatMessages.Items {
		// the backend returns null for items the caller may not read
		if item != nil {
			messages = append(messages, *item)
		}
	}
	return messages, nil
}

func (api *AppSyncAPI) CreateMessage(ctx context.Context, input chat.CreateChatMessageInput) (*chat.ChatMessage, error) {
	var out struct {
		CreateChatMessage *chat.ChatMessage `json:"createChatMessage"`
	}
	variables := map[string]interface{}{"input": input}
	if err := api.client.Do(ctx, utils.CreateChatMessageMutation, variables, &out); err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	return out.CreateChatMessage, nil
}

func (api *AppSyncAPI) Subscribe(ctx context.Context) (chat.Subscription, error) {
	sub, err := api.realtime.Subscribe(ctx, utils.OnCreateChatMessageSubscription, utils.OnCreateChatMessageField)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	return sub, nil
}
