package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/utils"
)

const (
	defaultConnectionTimeout = 5 * time.Minute
	handshakeTimeout         = 15 * time.Second
	stopWriteTimeout         = time.Second
)

// RealtimeEndpoint derives the websocket endpoint that belongs to a GraphQL
// endpoint, the same way AppSync names its real-time hosts.
func RealtimeEndpoint(graphqlEndpoint string) (string, error) {
	u, err := url.Parse(graphqlEndpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid endpoint %q", graphqlEndpoint)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Host = strings.Replace(u.Host, "appsync-api", "appsync-realtime-api", 1)
	return u.String(), nil
}

// RealtimeClient opens subscriptions over the AppSync real-time protocol.
type RealtimeClient struct {
	endpoint string
	host     string
	auth     Authorizer
	dialer   *websocket.Dialer
	log      zerolog.Logger
}

func NewRealtimeClient(realtimeEndpoint, graphqlEndpoint string, auth Authorizer, log zerolog.Logger) (*RealtimeClient, error) {
	if realtimeEndpoint == "" {
		derived, err := RealtimeEndpoint(graphqlEndpoint)
		if err != nil {
			return nil, err
		}
		realtimeEndpoint = derived
	}
	u, err := url.Parse(graphqlEndpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", graphqlEndpoint)
	}
	return &RealtimeClient{
		endpoint: realtimeEndpoint,
		host:     u.Host,
		auth:     auth,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{utils.RealtimeSubprotocol},
		},
		log: log.With().Str("component", "realtime").Logger(),
	}, nil
}

// Subscribe connects, performs the handshake and starts the subscription. The
// subscription is closed when ctx is cancelled.
func (r *RealtimeClient) Subscribe(ctx context.Context, query, field string) (*Subscription, error) {
	headers := r.auth.Headers(r.host)
	encoded, err := utils.EncodeHeader(headers)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode auth header")
	}
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid realtime endpoint %q", r.endpoint)
	}
	q := u.Query()
	q.Set("header", encoded)
	q.Set("payload", utils.EmptyPayload)
	u.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(ErrUnauthorized, "realtime handshake status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "could not dial realtime endpoint")
	}

	sub := &Subscription{
		id:      xid.New().String(),
		field:   field,
		conn:    conn,
		events:  make(chan chat.ChatMessage, 16),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		timeout: defaultConnectionTimeout,
		log:     r.log,
	}
	stopHandshake := context.AfterFunc(ctx, func() { _ = conn.Close() })
	pending, err := sub.handshake(query, headers)
	stopHandshake()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	stopWatch := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.errMu.Lock()
	sub.stopWatch = stopWatch
	sub.errMu.Unlock()
	go sub.readLoop(pending)
	sub.log.Debug().Str("subscription_id", sub.id).Msg("subscription started")
	return sub, nil
}

// Subscription is one started subscription on its own websocket connection.
type Subscription struct {
	id      string
	field   string
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan chat.ChatMessage
	timeout time.Duration
	log     zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopWatch func() bool

	errMu sync.Mutex
	err   error
}

func (s *Subscription) Events() <-chan chat.ChatMessage { return s.events }

func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close sends stop, closes the connection and waits for the reader to exit.
// It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.errMu.Lock()
		stopWatch := s.stopWatch
		s.errMu.Unlock()
		if stopWatch != nil {
			stopWatch()
		}
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(stopWriteTimeout))
		// the server may already be gone; stop is best effort
		_ = utils.WriteProtocolMessage(s.conn, utils.StopMessage, s.id, nil)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Subscription) write(msgType string, payload interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return utils.WriteProtocolMessage(s.conn, msgType, s.id, payload)
}

func (s *Subscription) read() (*utils.ProtocolMessage, error) {
	_, bytes, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return utils.ParseProtocolMessage(bytes)
}

// handshake runs connection_init/connection_ack then start/start_ack. Data
// frames that overtake start_ack are returned so they are not lost.
func (s *Subscription) handshake(query string, authorization map[string]string) ([]chat.ChatMessage, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	s.writeMu.Lock()
	err := utils.WriteProtocolMessage(s.conn, utils.ConnectionInitMessage, "", nil)
	s.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "could not send connection_init")
	}

	for acked := false; !acked; {
		msg, err := s.read()
		if err != nil {
			return nil, errors.Wrap(err, "waiting for connection_ack")
		}
		switch msg.Type {
		case utils.ConnectionAckMessage:
			var ack utils.ConnectionAckPayload
			if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &ack) == nil && ack.ConnectionTimeoutMs > 0 {
				s.timeout = time.Duration(ack.ConnectionTimeoutMs) * time.Millisecond
			}
			acked = true
		case utils.KeepAliveMessage:
		case utils.ConnectionErrorMessage, utils.ErrorMessage:
			return nil, errors.Errorf("connection rejected: %s", describeError(msg.Payload))
		default:
			s.log.Warn().Str("type", msg.Type).Msg("unexpected message before connection_ack")
		}
	}

	data, err := json.Marshal(utils.GraphQLRequest{Query: query, Variables: map[string]interface{}{}})
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal subscription request")
	}
	start := &utils.StartPayload{
		Data:       string(data),
		Extensions: utils.StartExtensions{Authorization: authorization},
	}
	if err := s.write(utils.StartMessage, start); err != nil {
		return nil, errors.Wrap(err, "could not send start")
	}

	var pending []chat.ChatMessage
	for {
		msg, err := s.read()
		if err != nil {
			return nil, errors.Wrap(err, "waiting for start_ack")
		}
		switch msg.Type {
		case utils.StartAckMessage:
			if msg.ID == s.id {
				return pending, nil
			}
		case utils.DataMessage:
			if message, ok := s.decodeData(msg); ok {
				pending = append(pending, message)
			}
		case utils.KeepAliveMessage:
		case utils.ErrorMessage, utils.ConnectionErrorMessage:
			return nil, errors.Errorf("subscription rejected: %s", describeError(msg.Payload))
		default:
			s.log.Warn().Str("type", msg.Type).Msg("unexpected message before start_ack")
		}
	}
}

func (s *Subscription) readLoop(pending []chat.ChatMessage) {
	defer close(s.done)
	defer close(s.events)
	defer s.conn.Close()

	for _, message := range pending {
		if !s.deliver(message) {
			return
		}
	}
	for {
		// every frame, keep-alives included, proves the connection is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		_, bytes, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.setErr(errors.Wrap(err, "subscription connection lost"))
			}
			return
		}
		msg, err := utils.ParseProtocolMessage(bytes)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping unreadable frame")
			continue
		}
		switch msg.Type {
		case utils.KeepAliveMessage:
		case utils.DataMessage:
			if message, ok := s.decodeData(msg); ok {
				if !s.deliver(message) {
					return
				}
			}
		case utils.CompleteMessage:
			if msg.ID == s.id {
				if !s.isClosed() {
					s.setErr(chat.ErrSubscriptionClosed)
				}
				return
			}
		case utils.ErrorMessage, utils.ConnectionErrorMessage:
			s.setErr(errors.Errorf("subscription failed: %s", describeError(msg.Payload)))
			return
		default:
			s.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		}
	}
}

func (s *Subscription) deliver(message chat.ChatMessage) bool {
	select {
	case s.events <- message:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Subscription) decodeData(msg *utils.ProtocolMessage) (chat.ChatMessage, bool) {
	if msg.ID != s.id {
		return chat.ChatMessage{}, false
	}
	var payload struct {
		Data   map[string]*chat.ChatMessage `json:"data"`
		Errors []utils.GraphQLError         `json:"errors"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Msg("could not decode data frame")
		return chat.ChatMessage{}, false
	}
	if len(payload.Errors) > 0 {
		s.log.Warn().Str("errors", utils.JoinErrors(payload.Errors)).Msg("data frame carried errors")
	}
	message := payload.Data[s.field]
	if message == nil {
		return chat.ChatMessage{}, false
	}
	return *message, true
}

func describeError(payload json.RawMessage) string {
	var errPayload utils.ErrorPayload
	if err := json.Unmarshal(payload, &errPayload); err != nil || len(errPayload.Errors) == 0 {
		return string(payload)
	}
	return utils.JoinErrors(errPayload.Errors)
}
