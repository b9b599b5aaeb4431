package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/samber/lo"

	"github.com/hirotachi/appsync-cli-chat/pkg/chat"
)

type MessageBoard struct {
	View    *tview.TextView
	Frame   *tview.Frame
	Session *Session
	Focus   func(view string)

	redraw func(func())
	dirty  chan struct{}

	mu      sync.Mutex
	notices []string
}

// NewMessageBoard renders the session timeline. redraw runs a render on the
// UI goroutine; with tview that is Application.QueueUpdateDraw.
func NewMessageBoard(session *Session, redraw func(func())) *MessageBoard {
	messageView := tview.NewTextView()
	messageView.SetDynamicColors(true).SetScrollable(true).SetRegions(true)

	messageFrame := tview.NewFrame(messageView)
	messageFrame.SetTitle("[#AppSync chat]").SetBorder(true).SetTitleAlign(0)

	if redraw == nil {
		redraw = func(f func()) { f() }
	}
	board := &MessageBoard{
		View:    messageView,
		Frame:   messageFrame,
		Session: session,
		redraw:  redraw,
		dirty:   make(chan struct{}, 1),
		notices: make([]string, 0),
	}
	messageView.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEscape, tcell.KeyTab:
			if board.Focus != nil {
				board.Focus(InputView)
			}
		}
	})

	session.OnChange(board.MarkDirty)
	board.ShowWelcomeText()
	return board
}

// MarkDirty schedules a render. It never blocks.
func (board *MessageBoard) MarkDirty() {
	select {
	case board.dirty <- struct{}{}:
	default:
	}
}

// ListenToChanges renders the board every time it is marked dirty.
func (board *MessageBoard) ListenToChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-board.dirty:
			board.redraw(board.Render)
		}
	}
}

func (board *MessageBoard) Render() {
	board.View.SetText(board.Content())
	board.View.ScrollToEnd()
}

// Content is the full text of the board: notices, then the timeline, then
// the sends waiting for /retry.
func (board *MessageBoard) Content() string {
	board.mu.Lock()
	notices := strings.Join(board.notices, "")
	board.mu.Unlock()

	var b strings.Builder
	b.WriteString(notices)
	for _, line := range lo.Map(board.Session.Messages(), func(m chat.ChatMessage, _ int) string {
		return GenerateMessageLog(m)
	}) {
		b.WriteString(line)
	}
	failed := board.Session.FailedSends()
	if len(failed) > 0 {
		b.WriteString(fmt.Sprintf("[red::b]Not sent (%d)[::-] [lightgrey]type /retry to send again[::-]\n", len(failed)))
		for _, f := range failed {
			b.WriteString(fmt.Sprintf("  [red]%s[::-] [grey]%s[::-]\n", tview.Escape(f.Text), tview.Escape(f.Err.Error())))
		}
	}
	return b.String()
}

// Announce adds a line above the timeline.
func (board *MessageBoard) Announce(format string, args ...interface{}) {
	board.mu.Lock()
	board.notices = append(board.notices, fmt.Sprintf(format, args...)+"\n\n")
	board.mu.Unlock()
	board.MarkDirty()
}

func (board *MessageBoard) ShowWelcomeText() {
	board.Announce(`[lightgrey::b]Welcome to Chat[::-]`)
	board.ListCommands()
}

type Option struct {
	Action      string
	Description string
	Prefix      string
}

func (board *MessageBoard) ListCommands() {
	commandsOptionsList := []Option{{
		Prefix:      "/",
		Action:      "help",
		Description: "Shows this commands list.",
	}, {
		Prefix:      "/",
		Action:      "retry",
		Description: "Sends again the messages that failed to send.",
	}, {
		Prefix:      "/",
		Action:      "disconnect",
		Description: "Disconnects you and exits the program.",
	}}

	keysOptionsList := []Option{
		{Prefix: "TAB", Description: "When input is focused, message list is focused."},
		{Prefix: "ESC", Description: "Exit message list focus."},
	}

	commands := BuildOptionsList("Commands", commandsOptionsList)
	keys := BuildOptionsList("Keys", keysOptionsList)
	board.Announce("%s\n%s", commands, keys)
}

func BuildOptionsList(title string, optionsList []Option) string {
	result := fmt.Sprintf("[lightgrey::b]%s[::-] \n", title)
	for _, option := range optionsList {
		optionText := fmt.Sprintf("  [blue]%s[::-][white::b]%s[::-] [lightgrey]%s[::-]\n", option.Prefix, option.Action, option.Description)
		result += optionText
	}
	return result
}

// GenerateMessageLog formats one message. A createdAt that does not parse is
// shown as received.
func GenerateMessageLog(message chat.ChatMessage) string {
	date := message.CreatedAt
	if at, ok := message.CreatedAtTime(); ok {
		date = at.Local().Format("Jan 2 15:04:05")
	}
	info := fmt.Sprintf("[grey]%s[::-]", tview.Escape(date))
	return fmt.Sprintf("%s\n  [white]%s[::-]\n\n", info, tview.Escape(message.Message))
}
