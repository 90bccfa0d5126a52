package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mpetrov/chatwire/chat"
	"github.com/mpetrov/chatwire/internal/config"
	"github.com/mpetrov/chatwire/internal/logging"
	"github.com/mpetrov/chatwire/internal/state"
)

var Version = "dev"

// errQuit signals a clean exit requested from the command loop.
var errQuit = errors.New("quit")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatwire starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.ServerURL, nil)

	self, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	conversations, err := refreshConversations(ctx, client, appState, logger)
	if err != nil {
		return err
	}

	conv, err := selectConversation(conversations, cfg.Conversation, self.ID)
	if err != nil {
		return err
	}

	logger.Info("selected conversation",
		slog.String("id", conv.ID),
		slog.String("title", conv.DisplayTitle(self.ID)),
	)

	dispatcher := chat.NewDispatcher(logger)
	session := chat.NewSession(chat.SessionConfig{
		URL:    cfg.SocketURL,
		Token:  client.Token(),
		Device: cfg.DeviceName,
	}, dispatcher, logger)
	defer session.Close()

	engine := chat.NewEngine(chat.EngineConfig{
		Self:            *self,
		HistoryPageSize: cfg.HistoryPageSize,
		PendingTimeout:  cfg.PendingTimeout,
	}, session, dispatcher, client, logger)

	engine.OnChange(func() { printTimeline(engine, self.ID) })
	engine.OnNotice(func(text string) { fmt.Printf("! %s\n", text) })

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to chat server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Listen(gctx)
	})

	g.Go(func() error {
		defer stop()
		return commandLoop(gctx, engine, conv.ID, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// authenticate returns the signed-in user, reusing the cached session
// token when the server still accepts it and falling back to the OTP
// email flow otherwise.
func authenticate(ctx context.Context, client *chat.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (*chat.User, error) {
	if token := appState.Token(); token != "" {
		logger.Debug("trying cached token")
		client.SetToken(token)

		user, err := client.GetProfile(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("username", user.Username))
			return user, nil
		}

		logger.Debug("cached token expired, signing in fresh")
		client.SetToken("")
	}

	logger.Info("requesting sign-in code", slog.String("email", cfg.Email))

	otpToken, err := client.SendOTP(ctx, cfg.Email, "login")
	if err != nil {
		return nil, fmt.Errorf("requesting sign-in code: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Enter the code sent to %s: ", cfg.Email)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no code entered")
	}

	code := strings.TrimSpace(scanner.Text())

	token, err := client.VerifyOTP(ctx, cfg.Email, code, otpToken)
	if err != nil {
		return nil, fmt.Errorf("verifying sign-in code: %w", err)
	}

	client.SetToken(token)

	user, err := client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	if err := appState.SetProfile(state.Profile{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Avatar:   user.Avatar,
	}); err != nil {
		logger.Warn("failed to save profile", slog.String("error", err.Error()))
	}

	logger.Info("signed in", slog.String("username", user.Username))

	return user, nil
}

// refreshConversations fetches the conversation list and mirrors it into
// the local cache so the next startup can show it before the network is up.
func refreshConversations(ctx context.Context, client *chat.Client, appState *state.State, logger *slog.Logger) ([]chat.Conversation, error) {
	conversations, err := client.GetConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	if len(conversations) == 0 {
		return nil, fmt.Errorf("no conversations found for this account")
	}

	cached := make([]state.Conversation, 0, len(conversations))

	for _, c := range conversations {
		sc := state.Conversation{
			ID:            c.ID,
			Type:          c.Type,
			Title:         c.Title,
			LastMessageAt: c.LastMessageAt.UnixMilli(),
		}

		if c.LastMessage != nil {
			sc.LastMessage = c.LastMessage.Content
		}

		for _, p := range c.Participants {
			sc.Participants = append(sc.Participants, state.Participant{
				UserID:   p.User.ID,
				Username: p.User.Username,
				Avatar:   p.User.Avatar,
				Role:     p.Role,
			})
		}

		cached = append(cached, sc)
	}

	if err := appState.ReplaceConversations(cached); err != nil {
		logger.Warn("failed to cache conversations", slog.String("error", err.Error()))
	}

	return conversations, nil
}

// selectConversation picks the conversation to open, by id or display
// title. With no selector, a single-conversation account opens it.
func selectConversation(conversations []chat.Conversation, selector, selfID string) (*chat.Conversation, error) {
	if selector == "" {
		if len(conversations) == 1 {
			return &conversations[0], nil
		}

		return nil, fmt.Errorf("multiple conversations found, set CHATWIRE_CONVERSATION to pick one: %s",
			conversationTitles(conversations, selfID))
	}

	for i := range conversations {
		if conversations[i].ID == selector {
			return &conversations[i], nil
		}
	}

	for i := range conversations {
		if conversations[i].DisplayTitle(selfID) == selector {
			return &conversations[i], nil
		}
	}

	return nil, fmt.Errorf("conversation %q not found, available: %s",
		selector, conversationTitles(conversations, selfID))
}

func conversationTitles(conversations []chat.Conversation, selfID string) string {
	var all []string
	for _, c := range conversations {
		all = append(all, c.DisplayTitle(selfID))
	}

	return strings.Join(all, ", ")
}

// commandLoop opens the conversation and turns stdin lines into engine
// operations. Plain lines send, /edit and /delete target a message id.
func commandLoop(ctx context.Context, engine *chat.Engine, conversationID string, logger *slog.Logger) error {
	if err := engine.Open(ctx, conversationID); err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if err := handleCommand(ctx, engine, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}

				if ctx.Err() != nil {
					return ctx.Err()
				}

				logger.Warn("command failed", slog.String("error", err.Error()))
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func handleCommand(ctx context.Context, engine *chat.Engine, line string) error {
	switch {
	case line == "":
		return nil

	case line == "/quit":
		return errQuit

	case strings.HasPrefix(line, "/edit "):
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <message-id> <new text>")
		}

		return engine.Edit(ctx, fields[1], fields[2])

	case strings.HasPrefix(line, "/delete "):
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 || fields[1] == "" {
			return fmt.Errorf("usage: /delete <message-id>")
		}

		return engine.Delete(ctx, fields[1])

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", strings.Fields(line)[0])

	default:
		return engine.Send(ctx, line)
	}
}

// printTimeline renders the open conversation to stdout.
func printTimeline(engine *chat.Engine, selfID string) {
	msgs := engine.Messages()

	fmt.Print("\033[H\033[2J")

	for _, m := range msgs {
		name := m.Sender.Username
		if m.Sender.ID == selfID {
			name = "you"
		}

		marker := ""

		switch m.DeliveryState {
		case chat.DeliveryOptimistic:
			marker = " …"
		case chat.DeliveryFailed:
			marker = " [failed]"
		}

		edited := ""
		if m.Edited {
			edited = " (edited)"
		}

		id := m.ID
		if id == "" {
			id = m.LocalID
		}

		fmt.Printf("%s [%s] %s: %s%s%s\n",
			m.CreatedAt.Local().Format("15:04"), id, name, m.Content, edited, marker)
	}
}
