package client

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type InputSection struct {
	View         *tview.InputField
	MessageBoard *MessageBoard
	Session      *Session
	Focus        func(view string)
	Quit         func()
}

func NewInputSection(session *Session, messageBoard *MessageBoard) *InputSection {
	inputView := tview.NewInputField()
	inputView.SetPlaceholder("Send a message or input a command or /help to list commands").
		SetPlaceholderTextColor(tcell.ColorDeepSkyBlue)
	inputView.SetLabel(">").SetLabelColor(tcell.ColorDeepSkyBlue).SetLabelWidth(2)
	inputView.SetFieldTextColor(tcell.ColorWhite).SetFieldBackgroundColor(tcell.ColorGrey)

	inputSection := &InputSection{View: inputView, MessageBoard: messageBoard, Session: session}
	inputView.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := inputView.GetText()
			if text == "" {
				return
			}
			// cleared before the send completes
			inputView.SetText("")
			inputSection.HandleInput(text)
		case tcell.KeyTab:
			if inputSection.Focus != nil {
				inputSection.Focus(MessageView)
			}
		}
	})
	return inputSection
}

// HandleInput runs a command or posts text exactly as typed.
func (input *InputSection) HandleInput(text string) {
	switch strings.TrimSpace(text) {
	case "/help":
		input.MessageBoard.ListCommands()
	case "/retry":
		if n := input.Session.RetryFailed(); n > 0 {
			input.MessageBoard.Announce("[lightgrey]retrying %d message(s)[::-]", n)
		} else {
			input.MessageBoard.Announce("[lightgrey]nothing to retry[::-]")
		}
	case "/disconnect", "/quit":
		if input.Quit != nil {
			input.Quit()
		}
	default:
		input.Session.PostMessage(text)
	}
}
