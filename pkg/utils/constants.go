package utils

// AppSync real-time protocol message types.
const (
	ConnectionInitMessage  = "connection_init"
	ConnectionAckMessage   = "connection_ack"
	ConnectionErrorMessage = "connection_error"
	KeepAliveMessage       = "ka"
	StartMessage           = "start"
	StartAckMessage        = "start_ack"
	DataMessage            = "data"
	StopMessage            = "stop"
	CompleteMessage        = "complete"
	ErrorMessage           = "error"

	RealtimeSubprotocol = "graphql-ws"
	// EmptyPayload is base64("{}"), the payload query parameter of the real-time URL.
	EmptyPayload = "e30="

	RedisMessagesListKey = "chat_messages"
)

const (
	ListChatMessagesField    = "listChatMessages"
	CreateChatMessageField   = "createChatMessage"
	OnCreateChatMessageField = "onCreateChatMessage"
)

const ListChatMessagesQuery = `query ListChatMessages {
  listChatMessages {
    items {
      id
      message
      createdAt
    }
    nextToken
  }
}`

const CreateChatMessageMutation = `mutation CreateChatMessage($input: CreateChatMessageInput!) {
  createChatMessage(input: $input) {
    id
    message
    createdAt
  }
}`

const OnCreateChatMessageSubscription = `subscription OnCreateChatMessage {
  onCreateChatMessage {
    id
    message
    createdAt
  }
}`
