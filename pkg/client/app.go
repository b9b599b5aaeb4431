package client

import (
	"context"
	"fmt"

	"github.com/rivo/tview"
)

const (
	MessageView = "messages"
	InputView   = "input"
)

// ChatClient is the terminal UI: a greeting, the message board and the input.
type ChatClient struct {
	App          *tview.Application
	Session      *Session
	MessageBoard *MessageBoard
	Input        *InputSection
}

func NewChatClient(session *Session, displayName string) *ChatClient {
	app := tview.NewApplication()
	client := &ChatClient{App: app, Session: session}

	header := tview.NewTextView().SetDynamicColors(true)
	header.SetText(fmt.Sprintf("[lightgrey::b]Hello, %s[::-]", tview.Escape(displayName)))

	client.MessageBoard = NewMessageBoard(session, func(f func()) {
		app.QueueUpdateDraw(f)
	})
	client.MessageBoard.Focus = client.Focus
	client.Input = NewInputSection(session, client.MessageBoard)
	client.Input.Focus = client.Focus
	client.Input.Quit = app.Stop

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, false).
		AddItem(client.MessageBoard.Frame, 0, 1, false).
		AddItem(client.Input.View, 1, 0, true)
	app.SetRoot(layout, true).SetFocus(client.Input.View)
	return client
}

func (c *ChatClient) Focus(view string) {
	switch view {
	case MessageView:
		c.App.SetFocus(c.MessageBoard.View)
	case InputView:
		c.App.SetFocus(c.Input.View)
	}
}

// Run activates the session and blocks until the user quits or ctx is done.
// The session is torn down before Run returns.
func (c *ChatClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.Session.Activate(ctx); err != nil {
		return err
	}
	defer c.Session.Teardown()

	go c.MessageBoard.ListenToChanges(ctx)
	go func() {
		<-ctx.Done()
		c.App.Stop()
	}()
	c.MessageBoard.MarkDirty()
	return c.App.Run()
}
