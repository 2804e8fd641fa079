package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"chatsync/internal/client"
	"chatsync/internal/client/api"
	"chatsync/internal/client/chatlist"
	"chatsync/internal/client/session"
	"chatsync/internal/client/transport"
	"chatsync/internal/model"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	warnColor      = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	unreadStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewAuth viewState = iota
	viewChats
	viewChat
	viewNewChat
)

// --- Messages ---

type authDone struct {
	creds    api.Credentials
	username string
}

type authFailed struct{ err error }

type engineReady struct{}

type engineFailed struct{ err error }

type chatsChanged struct{}

type messagesChanged struct{}

type statusChanged struct{ status transport.Status }

type noticeArrived struct{ notice chatlist.Notice }

type typingSeen struct{ userName string }

type typingExpired struct{ seq int }

type chatCreated struct{ chat model.Chat }

type opError struct{ err error }

// --- Main Model ---

type appModel struct {
	logger *zap.SugaredLogger
	cfg    client.EnvConfig
	engine *client.Client
	events chan tea.Msg

	// Auth
	username      string
	authAction    string // "login" or "register"
	usernameInput textinput.Model
	passwordInput textinput.Model
	authFocused   int
	authError     string

	// Chat list
	chats        []model.Chat
	selectedChat int
	status       transport.Status
	notice       string

	// Open chat
	currentChatID   string
	currentChatName string
	messages        []model.Message
	messageInput    textinput.Model
	chatViewport    viewport.Model
	unsubMessages   func()
	typingFrom      string
	typingSeq       int

	// New chat
	newChatInput   textinput.Model
	newChatIsGroup bool
	newChatUsers   []string

	view   viewState
	width  int
	height int
	err    error
}

func initialModel(logger *zap.SugaredLogger, cfg client.EnvConfig) appModel {
	usernameInput := textinput.New()
	usernameInput.Placeholder = "Username"
	usernameInput.Focus()
	usernameInput.CharLimit = 32
	usernameInput.Width = 30

	passwordInput := textinput.New()
	passwordInput.Placeholder = "Password"
	passwordInput.EchoMode = textinput.EchoPassword
	passwordInput.CharLimit = 64
	passwordInput.Width = 30

	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	newChatInput := textinput.New()
	newChatInput.Placeholder = "Enter user id to add..."
	newChatInput.CharLimit = 64
	newChatInput.Width = 30

	chatViewport := viewport.New(80, 20)

	return appModel{
		logger:        logger,
		cfg:           cfg,
		events:        make(chan tea.Msg, 64),
		authAction:    "login",
		usernameInput: usernameInput,
		passwordInput: passwordInput,
		messageInput:  messageInput,
		newChatInput:  newChatInput,
		chatViewport:  chatViewport,
		view:          viewAuth,
	}
}

// --- Commands ---

func (m appModel) authenticate(action, username, password string) tea.Cmd {
	return func() tea.Msg {
		rest := api.New(m.logger, m.cfg.APIBaseURL, "")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var (
			creds api.Credentials
			err   error
		)
		if action == "register" {
			creds, err = rest.Register(ctx, username, password)
		} else {
			creds, err = rest.Login(ctx, username, password)
		}
		if err != nil {
			return authFailed{err: err}
		}
		return authDone{creds: creds, username: username}
	}
}

// startEngine builds the sync engine and connects it. Engine callbacks are
// bridged into the bubbletea loop through the events channel.
func (m appModel) startEngine(eng *client.Client) tea.Cmd {
	return func() tea.Msg {
		eng.OnStatus(func(st transport.Status) {
			m.push(statusChanged{status: st})
		})
		eng.OnChats(func() {
			m.push(chatsChanged{})
		})
		eng.OnNotice(func(n chatlist.Notice) {
			m.push(noticeArrived{notice: n})
		})
		eng.OnTyping(func(t transport.Typing) {
			name := t.UserName
			if name == "" {
				name = t.UserID
			}
			m.push(typingSeen{userName: name})
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.Connect(ctx); err != nil {
			return engineFailed{err: err}
		}
		return engineReady{}
	}
}

func (m appModel) push(msg tea.Msg) {
	select {
	case m.events <- msg:
	default:
	}
}

// engineEvent wraps a message delivered through the events channel so the
// update loop re-arms exactly one channel waiter, no matter how many
// commands return the same message types directly.
type engineEvent struct{ msg tea.Msg }

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return engineEvent{msg: <-ch}
	}
}

func (m appModel) sendMessage(chatID, content string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := eng.Send(ctx, chatID, content, ""); err != nil {
			return opError{err: err}
		}
		return nil
	}
}

func (m appModel) createChat(name string, kind model.ChatKind, memberIDs []string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		chat, err := eng.CreateChat(ctx, name, kind, memberIDs)
		if err != nil {
			return opError{err: err}
		}
		return chatCreated{chat: chat}
	}
}

func (m appModel) deleteChat(chatID string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.DeleteChat(ctx, chatID); err != nil {
			return opError{err: err}
		}
		return chatsChanged{}
	}
}

func (m appModel) loadMessages(chatID string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := eng.LoadMessages(ctx, chatID); err != nil {
			return opError{err: err}
		}
		return messagesChanged{}
	}
}

func clearTyping(seq int) tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return typingExpired{seq: seq}
	})
}

// --- Init ---

func (m appModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, waitForEvent(m.events)}
	if m.engine != nil {
		cmds = append(cmds, m.startEngine(m.engine))
	}
	return tea.Batch(cmds...)
}

// --- Update ---

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case engineEvent:
		next, cmd := m.Update(msg.msg)
		nm := next.(appModel)
		return nm, tea.Batch(cmd, waitForEvent(nm.events))

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.teardown()
			return m, tea.Quit

		case "q":
			if m.view == viewAuth || m.view == viewChats {
				m.teardown()
				return m, tea.Quit
			}

		case "tab":
			if m.view == viewAuth {
				if m.authFocused == 0 {
					m.authFocused = 1
					m.usernameInput.Blur()
					m.passwordInput.Focus()
				} else {
					m.authFocused = 0
					m.passwordInput.Blur()
					m.usernameInput.Focus()
				}
			}

		case "ctrl+r":
			if m.view == viewAuth {
				if m.authAction == "login" {
					m.authAction = "register"
				} else {
					m.authAction = "login"
				}
			}

		case "ctrl+l":
			if m.view == viewChats {
				session.Clear("default")
				m.teardown()
				return m, tea.Quit
			}

		case "enter":
			switch m.view {
			case viewAuth:
				if m.usernameInput.Value() != "" && m.passwordInput.Value() != "" {
					m.authError = ""
					return m, m.authenticate(m.authAction, m.usernameInput.Value(), m.passwordInput.Value())
				}

			case viewChats:
				if len(m.chats) > 0 && m.selectedChat < len(m.chats) {
					chat := m.chats[m.selectedChat]
					return m.openChat(chat)
				}

			case viewChat:
				if m.messageInput.Value() != "" {
					content := m.messageInput.Value()
					m.messageInput.SetValue("")
					cmds = append(cmds, m.sendMessage(m.currentChatID, content))
				}

			case viewNewChat:
				if m.newChatInput.Value() != "" {
					m.newChatUsers = append(m.newChatUsers, m.newChatInput.Value())
					m.newChatInput.SetValue("")
				}
			}

		case "up", "k":
			if m.view == viewChats && m.selectedChat > 0 {
				m.selectedChat--
			}

		case "down", "j":
			if m.view == viewChats && m.selectedChat < len(m.chats)-1 {
				m.selectedChat++
			}

		case "n":
			if m.view == viewChats {
				m.view = viewNewChat
				m.newChatInput.Focus()
				m.newChatUsers = nil
				m.newChatIsGroup = false
			}

		case "d":
			if m.view == viewChats && len(m.chats) > 0 && m.selectedChat < len(m.chats) {
				return m, m.deleteChat(m.chats[m.selectedChat].ID)
			}

		case "ctrl+g":
			if m.view == viewNewChat {
				m.newChatIsGroup = !m.newChatIsGroup
			}

		case "ctrl+s":
			if m.view == viewNewChat && len(m.newChatUsers) > 0 {
				var name string
				kind := model.Individual
				if m.newChatIsGroup {
					kind = model.Group
					name = "Group: " + strings.Join(m.newChatUsers, ", ")
				}
				m.view = viewChats
				return m, m.createChat(name, kind, m.newChatUsers)
			}

		case "esc":
			if m.view == viewChat {
				return m.closeChat()
			}
			if m.view == viewNewChat {
				m.view = viewChats
			}

		default:
			if m.view == viewChat && m.engine != nil {
				m.engine.Typing(m.currentChatID)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8

	case authDone:
		m.username = msg.username
		eng := client.New(m.logger, m.cfg, msg.creds.UserID, msg.username, msg.creds.Token)
		m.engine = eng
		if err := session.Save("default", session.Session{
			SocketURL: m.cfg.SocketURL,
			APIURL:    m.cfg.APIBaseURL,
			UserID:    msg.creds.UserID,
			UserName:  msg.username,
			Token:     msg.creds.Token,
		}); err != nil {
			m.logger.Warnw("saving session", "error", err)
		}
		return m, m.startEngine(eng)

	case authFailed:
		m.authError = msg.err.Error()

	case engineReady:
		m.view = viewChats
		m.chats = m.engine.Chats()
		m.status = m.engine.Status()

	case engineFailed:
		m.err = msg.err

	case chatsChanged:
		m.chats = m.engine.Chats()
		if m.selectedChat >= len(m.chats) && len(m.chats) > 0 {
			m.selectedChat = len(m.chats) - 1
		}

	case messagesChanged:
		m.refreshMessages()

	case statusChanged:
		m.status = msg.status

	case noticeArrived:
		m.notice = fmt.Sprintf("New message from %s: %s", msg.notice.SenderID, truncate(msg.notice.Preview, 40))

	case typingSeen:
		m.typingFrom = msg.userName
		m.typingSeq++
		cmds = append(cmds, clearTyping(m.typingSeq))

	case typingExpired:
		if msg.seq == m.typingSeq {
			m.typingFrom = ""
		}

	case chatCreated:
		m.chats = m.engine.Chats()
		return m.openChat(msg.chat)

	case opError:
		m.notice = errorStyle.Render(msg.err.Error())
	}

	switch m.view {
	case viewAuth:
		if m.authFocused == 0 {
			m.usernameInput, _ = m.usernameInput.Update(msg)
		} else {
			m.passwordInput, _ = m.passwordInput.Update(msg)
		}
	case viewChat:
		m.messageInput, _ = m.messageInput.Update(msg)
		m.chatViewport, _ = m.chatViewport.Update(msg)
	case viewNewChat:
		m.newChatInput, _ = m.newChatInput.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m appModel) openChat(chat model.Chat) (appModel, tea.Cmd) {
	m.currentChatID = chat.ID
	m.currentChatName = chat.DisplayName(m.engine.UserID())
	m.view = viewChat
	m.notice = ""
	m.messageInput.Focus()

	m.engine.OpenChat(chat.ID)
	m.unsubMessages = m.engine.OnMessages(chat.ID, func() {
		m.push(messagesChanged{})
	})
	m.refreshMessages()
	return m, m.loadMessages(chat.ID)
}

func (m appModel) closeChat() (appModel, tea.Cmd) {
	if m.unsubMessages != nil {
		m.unsubMessages()
		m.unsubMessages = nil
	}
	m.engine.CloseChat()
	m.currentChatID = ""
	m.typingFrom = ""
	m.view = viewChats
	m.chats = m.engine.Chats()
	return m, nil
}

func (m *appModel) teardown() {
	if m.engine != nil {
		m.engine.Close()
	}
}

func (m *appModel) refreshMessages() {
	if m.engine == nil || m.currentChatID == "" {
		return
	}
	m.messages = m.engine.Messages(m.currentChatID)

	var content strings.Builder
	selfID := m.engine.UserID()
	for _, msg := range m.messages {
		timestamp := msg.CreatedAt.Local().Format("15:04")
		name := msg.SenderName
		if name == "" {
			name = msg.SenderID
		}
		style := otherMessageStyle
		if msg.SenderID == selfID {
			style = ownMessageStyle
		}
		marker := ""
		if msg.SenderID == selfID {
			switch msg.State {
			case model.Pending:
				marker = mutedStyle.Render(" …")
			case model.Failed:
				marker = errorStyle.Render(" !")
			}
		}
		fmt.Fprintf(&content, "%s %s: %s%s\n",
			mutedStyle.Render(timestamp),
			style.Render(name),
			msg.Content,
			marker,
		)
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m appModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress Ctrl+C to quit.", m.err))
	}

	switch m.view {
	case viewAuth:
		return m.authView()
	case viewChats:
		return m.chatsView()
	case viewChat:
		return m.chatView()
	case viewNewChat:
		return m.newChatView()
	}
	return ""
}

func (m appModel) authView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("CHATSYNC"))
	s.WriteString("\n\n")

	if m.authAction == "login" {
		s.WriteString(selectedStyle.Render("  → Login"))
		s.WriteString(mutedStyle.Render("   Register\n"))
	} else {
		s.WriteString(mutedStyle.Render("  Login   "))
		s.WriteString(selectedStyle.Render("→ Register\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	s.WriteString("  Username:\n")
	s.WriteString("  " + m.usernameInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • q to quit\n"))

	return s.String()
}

func (m appModel) chatsView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("CHATSYNC - " + m.username))
	s.WriteString("  " + m.statusLine())
	s.WriteString("\n\n")

	if len(m.chats) == 0 {
		s.WriteString(mutedStyle.Render("  No chats yet.\n"))
		s.WriteString(mutedStyle.Render("  Press 'n' to start a new one.\n"))
	} else {
		selfID := m.engine.UserID()
		for i, chat := range m.chats {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedChat {
				prefix = "→ "
				style = selectedStyle
			}

			dot := " "
			if chat.Kind == model.Individual {
				for _, member := range chat.Members {
					if member.UserID != selfID && m.engine.IsOnline(member.UserID) {
						dot = onlineStyle.Render("●")
					}
				}
			}

			badge := ""
			if chat.UnreadCount > 0 {
				badge = unreadStyle.Render(fmt.Sprintf(" (%d)", chat.UnreadCount))
			}

			preview := ""
			if chat.LastMessage != nil {
				preview = mutedStyle.Render("  " + truncate(chat.LastMessage.Content, 30))
			}

			s.WriteString(style.Render(prefix+dot+" "+chat.DisplayName(selfID)) + badge + preview + "\n")
		}
	}

	if m.notice != "" {
		s.WriteString("\n" + m.notice + "\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • n for new • d to delete • Ctrl+L logout • q to quit"))

	return s.String()
}

func (m appModel) chatView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(m.currentChatName))
	s.WriteString("  " + m.statusLine())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 10)))
	s.WriteString("\n")

	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")

	if m.typingFrom != "" {
		s.WriteString(mutedStyle.Render(m.typingFrom + " is typing..."))
	}
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 10)))
	s.WriteString("\n")
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Enter to send • Esc to go back"))

	return s.String()
}

func (m appModel) newChatView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("New Chat"))
	s.WriteString("\n\n")

	kindLabel := "Direct Message"
	if m.newChatIsGroup {
		kindLabel = "Group Chat"
	}
	s.WriteString("  Type: " + selectedStyle.Render(kindLabel) + "\n")
	s.WriteString(helpStyle.Render("  (Ctrl+G to toggle)\n\n"))

	s.WriteString("  Add users:\n")
	s.WriteString("  " + m.newChatInput.View() + "\n\n")

	if len(m.newChatUsers) > 0 {
		s.WriteString("  Added:\n")
		for _, u := range m.newChatUsers {
			s.WriteString("    • " + u + "\n")
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  Enter to add user • Ctrl+S to create • Esc to cancel"))

	return s.String()
}

func (m appModel) statusLine() string {
	switch m.status {
	case transport.StatusConnected:
		return onlineStyle.Render("online")
	case transport.StatusConnecting:
		return mutedStyle.Render("connecting...")
	case transport.StatusFailed:
		return errorStyle.Render("connection lost")
	default:
		return mutedStyle.Render("offline")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Main ---

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := client.LoadEnv()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	m := initialModel(sugar, cfg)

	// Resume a saved session when one exists, skipping the auth screen.
	if sess := session.Load("default"); sess != nil && sess.Token != "" {
		if sess.SocketURL != "" {
			cfg.SocketURL = sess.SocketURL
		}
		if sess.APIURL != "" {
			cfg.APIBaseURL = sess.APIURL
		}
		m.cfg = cfg
		m.username = sess.UserName
		m.engine = client.New(sugar, cfg, sess.UserID, sess.UserName, sess.Token)
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
