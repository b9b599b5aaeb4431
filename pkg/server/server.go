package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

const (
	DefaultKeepAliveInterval = time.Minute
	DefaultConnectionTimeout = 5 * time.Minute
	GraphQLPath              = "/graphql"
)

// Server is a local stand-in for the managed chat API: one query, one mutation
// and one subscription, guarded by a static API key.
type Server struct {
	Address           string
	APIKey            string
	RedisClient       *redis.Client
	Router            *mux.Router
	KeepAliveInterval time.Duration
	ConnectionTimeout time.Duration

	chat     *Chat
	upgrader websocket.Upgrader
}

func NewServer(address, apiKey string, redisClient *redis.Client) (*Server, error) {
	if redisClient == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Server{
		Address:           address,
		APIKey:            apiKey,
		RedisClient:       redisClient,
		KeepAliveInterval: DefaultKeepAliveInterval,
		ConnectionTimeout: DefaultConnectionTimeout,
		chat:              NewChat(redisClient),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{utils.RealtimeSubprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
	s.Router = mux.NewRouter()
	s.Router.HandleFunc(GraphQLPath, s.handleGraphQL).Methods(http.MethodPost)
	s.Router.HandleFunc(GraphQLPath, s.handleRealtime).Methods(http.MethodGet)
	return s, nil
}

func (s *Server) Chat() *Chat {
	return s.chat
}

// Start runs the broadcast loop until ctx is done. Run calls it; tests that
// mount Router on an httptest server call it directly.
func (s *Server) Start(ctx context.Context) {
	go s.chat.ListenToBroadcast(ctx)
}

func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Address,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.chat.ListenToBroadcast(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("address", s.Address).Msg("dev backend listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) authorized(apiKey string) bool {
	return s.APIKey == "" || apiKey == s.APIKey
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeErrors(w http.ResponseWriter, status int, errs ...utils.GraphQLError) {
	writeJSON(w, status, utils.ErrorPayload{Errors: errs})
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.Header.Get("x-api-key")) {
		writeErrors(w, http.StatusUnauthorized, unauthorizedErrors...)
		return
	}
	var req utils.GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, utils.GraphQLError{ErrorType: "MalformedHttpRequestException", Message: err.Error()})
		return
	}

	switch {
	case strings.Contains(req.Query, utils.CreateChatMessageField):
		var input chat.CreateChatMessageInput
		raw, _ := json.Marshal(req.Variables["input"])
		if err := json.Unmarshal(raw, &input); err != nil || req.Variables["input"] == nil {
			writeErrors(w, http.StatusOK, utils.GraphQLError{ErrorType: "ValidationError", Message: "input is required"})
			return
		}
		message, err := s.chat.CreateMessage(r.Context(), input)
		if err != nil {
			log.Error().Err(err).Msg("create message failed")
			writeErrors(w, http.StatusInternalServerError, utils.GraphQLError{ErrorType: "InternalFailure", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dataPayload{Data: createChatMessageData{CreateChatMessage: message}})
	case strings.Contains(req.Query, utils.ListChatMessagesField):
		messages, err := s.chat.ListMessages(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("list messages failed")
			writeErrors(w, http.StatusInternalServerError, utils.GraphQLError{ErrorType: "InternalFailure", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dataPayload{Data: listChatMessagesData{ListChatMessages: ListChatMessagesResult{Items: messages}}})
	default:
		writeErrors(w, http.StatusBadRequest, utils.GraphQLError{ErrorType: "ValidationError", Message: "unsupported operation"})
	}
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	header, err := utils.DecodeHeader(r.URL.Query().Get("header"))
	if err != nil || !s.authorized(header["x-api-key"]) {
		writeErrors(w, http.StatusUnauthorized, unauthorizedErrors...)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn)
	go client.Listen(s.KeepAliveInterval)
	defer func() {
		s.chat.Leave(client)
		client.Close()
	}()

	initialized := false
	for {
		_, bytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := utils.ParseProtocolMessage(bytes)
		if err != nil {
			client.Send(utils.ErrorMessage, "", utils.ErrorPayload{Errors: []utils.GraphQLError{{ErrorType: "UnsupportedOperation", Message: err.Error()}}})
			continue
		}
		switch msg.Type {
		case utils.ConnectionInitMessage:
			initialized = true
			client.Send(utils.ConnectionAckMessage, "", utils.ConnectionAckPayload{ConnectionTimeoutMs: int(s.ConnectionTimeout / time.Millisecond)})
		case utils.StartMessage:
			if !initialized {
				client.Send(utils.ConnectionErrorMessage, "", utils.ErrorPayload{Errors: []utils.GraphQLError{{ErrorType: "ProtocolError", Message: "connection_init expected"}}})
				return
			}
			s.handleStart(client, msg)
		case utils.StopMessage:
			if client.Unsubscribe(msg.ID) {
				client.Send(utils.CompleteMessage, msg.ID, nil)
			}
			if client.SubscriptionCount() == 0 {
				s.chat.Leave(client)
			}
		default:
			client.Send(utils.ErrorMessage, msg.ID, utils.ErrorPayload{Errors: []utils.GraphQLError{{ErrorType: "UnsupportedOperation", Message: "unknown message type " + msg.Type}}})
		}
	}
}

func (s *Server) handleStart(client *Client, msg *utils.ProtocolMessage) {
	var start utils.StartPayload
	if err := json.Unmarshal(msg.Payload, &start); err != nil {
		client.Send(utils.ErrorMessage, msg.ID, utils.ErrorPayload{Errors: []utils.GraphQLError{{ErrorType: "MalformedStart", Message: err.Error()}}})
		return
	}
	if !s.authorized(start.Extensions.Authorization["x-api-key"]) {
		client.Send(utils.ErrorMessage, msg.ID, utils.ErrorPayload{Errors: unauthorizedErrors})
		return
	}
	var req utils.GraphQLRequest
	if err := json.Unmarshal([]byte(start.Data), &req); err != nil || !strings.Contains(req.Query, utils.OnCreateChatMessageField) {
		client.Send(utils.ErrorMessage, msg.ID, utils.ErrorPayload{Errors: []utils.GraphQLError{{ErrorType: "UnsupportedOperation", Message: "only onCreateChatMessage is supported"}}})
		return
	}
	client.Subscribe(msg.ID)
	s.chat.Join(client)
	client.Send(utils.StartAckMessage, msg.ID, nil)
}
