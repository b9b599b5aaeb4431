package server

import (
	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

type ListChatMessagesResult struct {
	Items     []chat.ChatMessage `json:"items"`
	NextToken *string            `json:"nextToken"`
}

type listChatMessagesData struct {
	ListChatMessages ListChatMessagesResult `json:"listChatMessages"`
}

type createChatMessageData struct {
	CreateChatMessage *chat.ChatMessage `json:"createChatMessage"`
}

type onCreateChatMessageData struct {
	OnCreateChatMessage chat.ChatMessage `json:"onCreateChatMessage"`
}

type dataPayload struct {
	Data interface{} `json:"data"`
}

var unauthorizedErrors = []utils.GraphQLError{{
	ErrorType: "UnauthorizedException",
	Message:   "You are not authorized to make this call.",
}}
