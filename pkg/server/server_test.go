package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

const testAPIKey = "da2-test"

func CreateTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "error creating redis db")
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	_, err = redisClient.Ping(context.TODO()).Result()
	require.NoError(t, err, "cannot connect to redis db")

	s, err := NewServer("", testAPIKey, redisClient)
	require.NoError(t, err)
	s.KeepAliveInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	httpServer := httptest.NewServer(s.Router)
	t.Cleanup(httpServer.Close)
	return s, httpServer
}

func PostTestQuery(t *testing.T, endpoint, apiKey string, req utils.GraphQLRequest) (*http.Response, utils.GraphQLResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, endpoint+GraphQLPath, bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("x-api-key", apiKey)
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	var gqlResp utils.GraphQLResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gqlResp))
	return resp, gqlResp
}

func DialTestRealtime(t *testing.T, endpoint, apiKey string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header, err := utils.EncodeHeader(map[string]string{"host": "localhost", "x-api-key": apiKey})
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(endpoint, "http") + GraphQLPath + "?header=" + url.QueryEscape(header) + "&payload=" + utils.EmptyPayload
	dialer := websocket.Dialer{Subprotocols: []string{utils.RealtimeSubprotocol}}
	return dialer.Dial(wsURL, nil)
}

func ReadTestFrame(t *testing.T, conn *websocket.Conn, skipKeepAlive bool) *utils.ProtocolMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, bytes, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := utils.ParseProtocolMessage(bytes)
		require.NoError(t, err)
		if skipKeepAlive && msg.Type == utils.KeepAliveMessage {
			continue
		}
		return msg
	}
}

func TestServer_CreateAndList(t *testing.T) {
	s, httpServer := CreateTestServer(t)

	t.Run("Empty store lists no messages", func(t *testing.T) {
		resp, gqlResp := PostTestQuery(t, httpServer.URL, testAPIKey, utils.GraphQLRequest{Query: utils.ListChatMessagesQuery})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var data listChatMessagesData
		require.NoError(t, json.Unmarshal(gqlResp.Data, &data))
		assert.Empty(t, data.ListChatMessages.Items)
	})

	t.Run("Created message is stored in redis and listed", func(t *testing.T) {
		resp, gqlResp := PostTestQuery(t, httpServer.URL, testAPIKey, utils.GraphQLRequest{
			Query:     utils.CreateChatMessageMutation,
			Variables: map[string]interface{}{"input": map[string]string{"message": "hello"}},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var created createChatMessageData
		require.NoError(t, json.Unmarshal(gqlResp.Data, &created))
		require.NotNil(t, created.CreateChatMessage)
		assert.NotEmpty(t, created.CreateChatMessage.ID)
		assert.Equal(t, "hello", created.CreateChatMessage.Message)
		_, ok := created.CreateChatMessage.CreatedAtTime()
		assert.True(t, ok)

		length, err := s.RedisClient.LLen(context.TODO(), utils.RedisMessagesListKey).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), length)

		_, gqlResp = PostTestQuery(t, httpServer.URL, testAPIKey, utils.GraphQLRequest{Query: utils.ListChatMessagesQuery})
		var listed listChatMessagesData
		require.NoError(t, json.Unmarshal(gqlResp.Data, &listed))
		require.Len(t, listed.ListChatMessages.Items, 1)
		assert.Equal(t, created.CreateChatMessage.ID, listed.ListChatMessages.Items[0].ID)
	})

	t.Run("Missing input is a GraphQL error", func(t *testing.T) {
		_, gqlResp := PostTestQuery(t, httpServer.URL, testAPIKey, utils.GraphQLRequest{Query: utils.CreateChatMessageMutation})
		assert.NotEmpty(t, gqlResp.Errors)
	})

	t.Run("Wrong API key is rejected", func(t *testing.T) {
		resp, gqlResp := PostTestQuery(t, httpServer.URL, "wrong", utils.GraphQLRequest{Query: utils.ListChatMessagesQuery})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Len(t, gqlResp.Errors, 1)
		assert.Equal(t, "UnauthorizedException", gqlResp.Errors[0].ErrorType)
	})
}

func TestServer_Realtime(t *testing.T) {
	s, httpServer := CreateTestServer(t)

	conn, _, err := DialTestRealtime(t, httpServer.URL, testAPIKey)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, utils.RealtimeSubprotocol, conn.Subprotocol())

	require.NoError(t, utils.WriteProtocolMessage(conn, utils.ConnectionInitMessage, "", nil))
	ack := ReadTestFrame(t, conn, true)
	assert.Equal(t, utils.ConnectionAckMessage, ack.Type)

	t.Run("Keep-alives are sent", func(t *testing.T) {
		ka := ReadTestFrame(t, conn, false)
		assert.Equal(t, utils.KeepAliveMessage, ka.Type)
	})

	data, err := json.Marshal(utils.GraphQLRequest{Query: utils.OnCreateChatMessageSubscription})
	require.NoError(t, err)
	require.NoError(t, utils.WriteProtocolMessage(conn, utils.StartMessage, "sub-1", utils.StartPayload{
		Data:       string(data),
		Extensions: utils.StartExtensions{Authorization: map[string]string{"x-api-key": testAPIKey}},
	}))
	startAck := ReadTestFrame(t, conn, true)
	assert.Equal(t, utils.StartAckMessage, startAck.Type)
	assert.Equal(t, "sub-1", startAck.ID)

	t.Run("Creation is pushed to subscribers", func(t *testing.T) {
		_, err := s.Chat().CreateMessage(context.TODO(), chat.CreateChatMessageInput{Message: "pushed"})
		require.NoError(t, err)

		frame := ReadTestFrame(t, conn, true)
		assert.Equal(t, utils.DataMessage, frame.Type)
		assert.Equal(t, "sub-1", frame.ID)
		var payload struct {
			Data onCreateChatMessageData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, "pushed", payload.Data.OnCreateChatMessage.Message)
	})

	t.Run("Stop completes the subscription", func(t *testing.T) {
		require.NoError(t, utils.WriteProtocolMessage(conn, utils.StopMessage, "sub-1", nil))
		frame := ReadTestFrame(t, conn, true)
		assert.Equal(t, utils.CompleteMessage, frame.Type)
		assert.Equal(t, "sub-1", frame.ID)
	})
}

func TestServer_RealtimeRejectsWrongKey(t *testing.T) {
	_, httpServer := CreateTestServer(t)

	_, resp, err := DialTestRealtime(t, httpServer.URL, "wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
