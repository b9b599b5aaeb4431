package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
	"github.com/hirotachi/appsync-cli-chat/pkg/mocks"
)

var testOptions = Options{
	RequestTimeout:       time.Second,
	FetchRetries:         2,
	RetryInitialInterval: time.Millisecond,
	RetryMaxInterval:     5 * time.Millisecond,
}

func ids(messages []chat.ChatMessage) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

// newTestSubscription returns a mocked subscription fed by the returned channel.
func newTestSubscription(ctrl *gomock.Controller, err error) (*mocks.MockSubscription, chan chat.ChatMessage) {
	events := make(chan chat.ChatMessage, 8)
	sub := mocks.NewMockSubscription(ctrl)
	sub.EXPECT().Events().Return((<-chan chat.ChatMessage)(events)).AnyTimes()
	sub.EXPECT().Err().Return(err).AnyTimes()
	sub.EXPECT().Close().Return(nil).AnyTimes()
	return sub, events
}

func waitForIDs(t *testing.T, session *Session, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(session.Messages()))
	}, 2*time.Second, 5*time.Millisecond, "timeline never became %v, last %v", want, ids(session.Messages()))
}

func TestSession_InitializeAndSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, events := newTestSubscription(ctrl, nil)

	api.EXPECT().ListMessages(gomock.Any()).Return([]chat.ChatMessage{
		{ID: "1", Message: "hi", CreatedAt: "2024-01-01T00:00:02Z"},
		{ID: "2", Message: "yo", CreatedAt: "2024-01-01T00:00:01Z"},
	}, nil).Times(1)
	subscribed := make(chan struct{})
	api.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(ctx context.Context) (chat.Subscription, error) {
		close(subscribed)
		return sub, nil
	}).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	waitForIDs(t, session, []string{"2", "1"})

	<-subscribed
	events <- chat.ChatMessage{ID: "3", Message: "new", CreatedAt: "2024-01-01T00:00:00Z"}
	waitForIDs(t, session, []string{"3", "2", "1"})
}

func TestSession_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, events := newTestSubscription(ctrl, nil)
	api.EXPECT().ListMessages(gomock.Any()).Return(nil, nil).Times(1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	events <- chat.ChatMessage{ID: "A", CreatedAt: "2024-01-01T00:00:05Z"}
	events <- chat.ChatMessage{ID: "B", CreatedAt: "2024-01-01T00:00:05Z"}
	waitForIDs(t, session, []string{"A", "B"})
}

func TestSession_FetchFailureLeavesListEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, _ := newTestSubscription(ctrl, nil)

	fetched := make(chan struct{})
	var calls int
	api.EXPECT().ListMessages(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]chat.ChatMessage, error) {
		calls++
		if calls == testOptions.FetchRetries+1 {
			close(fetched)
		}
		return nil, errors.New("network down")
	}).Times(testOptions.FetchRetries + 1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not retried")
	}
	session.Teardown()
	assert.Empty(t, session.Messages())
}

func TestSession_UnauthorizedFetchIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, _ := newTestSubscription(ctrl, nil)

	fetched := make(chan struct{})
	api.EXPECT().ListMessages(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]chat.ChatMessage, error) {
		close(fetched)
		return nil, chat.ErrUnauthorized
	}).Times(1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	<-fetched
	time.Sleep(20 * time.Millisecond)
	session.Teardown()
	assert.Empty(t, session.Messages())
}

func TestSession_FetchAndEchoRenderOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, events := newTestSubscription(ctrl, nil)

	message := chat.ChatMessage{ID: "1", Message: "hi", CreatedAt: "2024-01-01T00:00:02Z"}
	release := make(chan struct{})
	api.EXPECT().ListMessages(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]chat.ChatMessage, error) {
		<-release
		return []chat.ChatMessage{message}, nil
	}).Times(1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	// the echo overtakes the fetch
	events <- message
	waitForIDs(t, session, []string{"1"})
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"1"}, ids(session.Messages()))
}

func TestSession_PostMessageWaitsForEcho(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, events := newTestSubscription(ctrl, nil)
	api.EXPECT().ListMessages(gomock.Any()).Return(nil, nil).Times(1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	release := make(chan struct{})
	posted := make(chan chat.CreateChatMessageInput, 1)
	api.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, input chat.CreateChatMessageInput) (*chat.ChatMessage, error) {
			posted <- input
			<-release
			return &chat.ChatMessage{ID: "9", Message: input.Message, CreatedAt: "2024-01-01T00:00:09Z"}, nil
		}).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	session.PostMessage("hello")
	input := <-posted
	assert.Equal(t, chat.CreateChatMessageInput{Message: "hello"}, input)
	assert.Empty(t, session.Messages())

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, session.Messages(), "posting must not add the message locally")

	events <- chat.ChatMessage{ID: "9", Message: "hello", CreatedAt: "2024-01-01T00:00:09Z"}
	waitForIDs(t, session, []string{"9"})
}

func TestSession_FailedSendAndRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	sub, _ := newTestSubscription(ctrl, nil)
	api.EXPECT().ListMessages(gomock.Any()).Return(nil, nil).Times(1)
	api.EXPECT().Subscribe(gomock.Any()).Return(sub, nil).Times(1)

	gomock.InOrder(
		api.EXPECT().CreateMessage(gomock.Any(), chat.CreateChatMessageInput{Message: "hello"}).
			Return(nil, errors.New("throttled")),
		api.EXPECT().CreateMessage(gomock.Any(), chat.CreateChatMessageInput{Message: "hello"}).
			Return(&chat.ChatMessage{ID: "1"}, nil),
	)

	session := NewSession(api, zerolog.Nop(), testOptions)
	var changes sync.WaitGroup
	changes.Add(1)
	var once sync.Once
	session.OnChange(func() {
		if len(session.FailedSends()) > 0 {
			once.Do(changes.Done)
		}
	})
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	session.PostMessage("hello")
	changes.Wait()

	failed := session.FailedSends()
	require.Len(t, failed, 1)
	assert.Equal(t, "hello", failed[0].Text)
	assert.EqualError(t, failed[0].Err, "throttled")

	assert.Equal(t, 1, session.RetryFailed())
	assert.Empty(t, session.FailedSends())
	session.Teardown()
	assert.Empty(t, session.FailedSends())
}

func TestSession_ResubscribesAndRefetches(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	lost, lostEvents := newTestSubscription(ctrl, errors.New("connection lost"))
	second, secondEvents := newTestSubscription(ctrl, nil)

	fetches := make(chan struct{}, 2)
	api.EXPECT().ListMessages(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]chat.ChatMessage, error) {
		fetches <- struct{}{}
		return []chat.ChatMessage{{ID: "gap", CreatedAt: "2024-01-01T00:00:03Z"}}, nil
	}).Times(2)
	gomock.InOrder(
		api.EXPECT().Subscribe(gomock.Any()).Return(lost, nil),
		api.EXPECT().Subscribe(gomock.Any()).Return(nil, errors.New("dial failed")),
		api.EXPECT().Subscribe(gomock.Any()).Return(second, nil),
	)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	defer session.Teardown()

	lostEvents <- chat.ChatMessage{ID: "1", CreatedAt: "2024-01-01T00:00:01Z"}
	waitForIDs(t, session, []string{"1", "gap"})
	close(lostEvents)

	<-fetches
	<-fetches
	secondEvents <- chat.ChatMessage{ID: "2", CreatedAt: "2024-01-01T00:00:02Z"}
	waitForIDs(t, session, []string{"1", "2", "gap"})
}

func TestSession_Teardown(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	events := make(chan chat.ChatMessage, 8)
	sub := mocks.NewMockSubscription(ctrl)
	sub.EXPECT().Events().Return((<-chan chat.ChatMessage)(events)).AnyTimes()
	sub.EXPECT().Err().Return(nil).AnyTimes()
	sub.EXPECT().Close().Return(nil).MinTimes(1)

	api.EXPECT().ListMessages(gomock.Any()).Return(nil, nil).Times(1)
	subscribed := make(chan struct{})
	api.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(ctx context.Context) (chat.Subscription, error) {
		close(subscribed)
		return sub, nil
	}).Times(1)

	session := NewSession(api, zerolog.Nop(), testOptions)
	require.NoError(t, session.Activate(context.Background()))
	assert.ErrorIs(t, session.Activate(context.Background()), ErrAlreadyActive)
	<-subscribed

	session.Teardown()
	session.Teardown()

	events <- chat.ChatMessage{ID: "late", CreatedAt: "2024-01-01T00:00:00Z"}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, session.Messages())

	// posting after teardown is dropped without calling the backend
	session.PostMessage("too late")
}

func TestSession_TeardownWithoutActivate(t *testing.T) {
	ctrl := gomock.NewController(t)
	session := NewSession(mocks.NewMockAPI(ctrl), zerolog.Nop(), Options{})
	session.Teardown()
	session.PostMessage("dropped")
	assert.Empty(t, session.Messages())
}

func TestSession_ActivateAfterTeardownIsRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	// no call on the api is expected: nothing may start
	session := NewSession(mocks.NewMockAPI(ctrl), zerolog.Nop(), testOptions)
	session.Teardown()

	assert.ErrorIs(t, session.Activate(context.Background()), ErrTornDown)
	session.Teardown()
	session.PostMessage("dropped")
	assert.Empty(t, session.Messages())
}
