package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
)

var (
	ErrAlreadyActive = errors.New("session already activated")
	ErrTornDown      = errors.New("session torn down")
)

type Options struct {
	RequestTimeout       time.Duration
	FetchRetries         int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.FetchRetries < 0 {
		o.FetchRetries = 0
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.RetryMaxInterval < o.RetryInitialInterval {
		o.RetryMaxInterval = o.RetryInitialInterval
	}
	return o
}

// FailedSend is a post the backend did not accept. It stays until retried.
type FailedSend struct {
	ID   string
	Text string
	Err  error
	At   time.Time
}

// Session keeps the local timeline in step with the backend: one fetch on
// activation, then every subscription event. The timeline is written only by
// the session loop; fetches and subscription events reach it over HistoryChan
// and MessageChan.
type Session struct {
	api      chat.API
	timeline *chat.Timeline
	log      zerolog.Logger
	opts     Options

	HistoryChan chan []chat.ChatMessage
	MessageChan chan chat.ChatMessage

	mu       sync.Mutex
	failed   []FailedSend
	onChange func()
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	tornDown bool

	teardownOnce sync.Once
}

func NewSession(api chat.API, log zerolog.Logger, opts Options) *Session {
	return &Session{
		api:         api,
		timeline:    chat.NewTimeline(),
		log:         log.With().Str("component", "session").Logger(),
		opts:        opts.withDefaults(),
		HistoryChan: make(chan []chat.ChatMessage),
		MessageChan: make(chan chat.ChatMessage),
		failed:      make([]FailedSend, 0),
	}
}

// OnChange registers fn to run after every change of the timeline or of the
// failed sends. fn runs on a session goroutine.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Activate starts the session loop, the initial fetch and the subscription.
// Everything it starts stops on Teardown or when parent is done.
func (s *Session) Activate(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return ErrTornDown
	}
	if s.cancel != nil {
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = ctx, cancel, group

	group.Go(func() error {
		s.Listen(ctx)
		return nil
	})
	group.Go(func() error {
		s.Initialize(ctx)
		return nil
	})
	group.Go(func() error {
		s.ListenToSubscription(ctx)
		return nil
	})
	return nil
}

// Listen applies fetched batches and subscription events to the timeline.
func (s *Session) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case history := <-s.HistoryChan:
			s.timeline.Load(history)
			s.log.Info().Int("fetched", len(history)).Int("total", s.timeline.Len()).Msg("history loaded")
			s.notify()
		case message := <-s.MessageChan:
			s.OnRemoteMessageCreated(message)
		}
	}
}

// Initialize fetches the existing messages and hands them to the loop. The
// fetch is retried with backoff; when every attempt fails the error is only
// logged and the timeline is left as it is.
func (s *Session) Initialize(ctx context.Context) {
	fetch := func() ([]chat.ChatMessage, error) {
		reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
		messages, err := s.api.ListMessages(reqCtx)
		if errors.Is(err, chat.ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return messages, err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("fetching messages failed")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.FetchRetries)), ctx)

	messages, err := backoff.RetryNotifyWithData(fetch, policy, notify)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("giving up fetching messages")
		}
		return
	}
	select {
	case s.HistoryChan <- messages:
	case <-ctx.Done():
	}
}

// OnRemoteMessageCreated merges one subscription event into the timeline.
func (s *Session) OnRemoteMessageCreated(message chat.ChatMessage) {
	if s.timeline.Upsert(message) {
		s.notify()
		return
	}
	s.log.Debug().Str("id", message.ID).Msg("duplicate delivery ignored")
}

// ListenToSubscription keeps a subscription open until ctx is done. A lost
// subscription is reopened with backoff and followed by a new fetch so that
// messages created while disconnected show up.
func (s *Session) ListenToSubscription(ctx context.Context) {
	policy := backoff.WithContext(s.newBackOff(), ctx)
	connected := false
	for {
		sub, err := s.api.Subscribe(ctx)
		if err == nil {
			if connected {
				s.group.Go(func() error {
					s.Initialize(ctx)
					return nil
				})
			}
			connected = true
			policy.Reset()
			s.log.Info().Msg("subscribed to new messages")
			err = s.consume(ctx, sub)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, chat.ErrUnauthorized) {
			s.log.Error().Err(err).Msg("subscription refused, not retrying")
			return
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("subscription lost")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consume forwards events to the loop and always closes sub.
func (s *Session) consume(ctx context.Context, sub chat.Subscription) error {
	defer func() {
		if err := sub.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing subscription failed")
		}
	}()
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return chat.ErrSubscriptionClosed
			}
			select {
			case s.MessageChan <- message:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// PostMessage submits text in the background and returns at once. The message
// is not added locally; it shows up when the subscription echoes it. A failed
// submission is kept in FailedSends.
func (s *Session) PostMessage(text string) {
	s.post(xid.New().String(), text)
}

func (s *Session) post(id, text string) {
	s.mu.Lock()
	ctx, group := s.ctx, s.group
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.log.Warn().Str("send_id", id).Msg("session not active, message dropped")
		return
	}
	group.Go(func() error {
		s.submit(ctx, id, text)
		return nil
	})
}

func (s *Session) submit(ctx context.Context, id, text string) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	if _, err := s.api.CreateMessage(reqCtx, chat.CreateChatMessageInput{Message: text}); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("send_id", id).Msg("posting message failed")
		s.mu.Lock()
		s.failed = append(s.failed, FailedSend{ID: id, Text: text, Err: err, At: time.Now()})
		s.mu.Unlock()
		s.notify()
		return
	}
	s.log.Debug().Str("send_id", id).Msg("message posted")
}

// RetryFailed resubmits every failed send and returns how many were retried.
func (s *Session) RetryFailed() int {
	s.mu.Lock()
	failed := s.failed
	s.failed = make([]FailedSend, 0)
	s.mu.Unlock()
	if len(failed) > 0 {
		s.notify()
	}
	for _, f := range failed {
		s.post(f.ID, f.Text)
	}
	return len(failed)
}

func (s *Session) FailedSends() []FailedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedSend, len(s.failed))
	copy(out, s.failed)
	return out
}

// Messages returns the ordered timeline.
func (s *Session) Messages() []chat.ChatMessage {
	return s.timeline.Messages()
}

// Teardown cancels the subscription and waits for every goroutine of the
// session. No event is applied after it returns. It may be called repeatedly,
// also before Activate; a torn down session cannot be activated again.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.tornDown = true
		cancel, group := s.cancel, s.group
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		_ = group.Wait()
		s.log.Info().Msg("session torn down")
	})
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxInterval = s.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
