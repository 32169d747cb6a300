package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/api"
	"github.com/loquihq/loqui/internal/config"
	"github.com/loquihq/loqui/internal/model/chat"
	"github.com/loquihq/loqui/internal/presence"
	"github.com/loquihq/loqui/internal/session"
	"github.com/loquihq/loqui/internal/transport"
)

func run(ctx context.Context, cfg *config.Config, opts *options, logger *zap.Logger) error {
	client := api.NewClient(cfg.API.BaseURL, api.WithLogger(logger))
	client.SetToken(opts.token)

	if err := client.Register(ctx, opts.username); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	manager := transport.NewManager(cfg.WS.BaseURL,
		transport.WithLogger(logger),
		transport.WithReconnectDelay(cfg.WS.ReconnectDelay))
	manager.SetCredentials(user.ID, opts.token)
	defer manager.Disconnect()

	cancelStatus := manager.SubscribeStatus(func(s transport.State) {
		fmt.Printf("*** connection: %s ***\n", s)
	})
	defer cancelStatus()

	store := session.NewStore(user, client, manager,
		session.WithLogger(logger),
		session.WithNotifier(func(n session.Notice) {
			fmt.Printf("!!! %s\n", n.Message)
		}),
		session.WithPresenceOptions(
			presence.WithLogger(logger),
			presence.WithTimings(cfg.Typing.RemoteExpiry, cfg.Typing.LocalIdle),
		),
		session.WithOnMessage(func(m chat.Message) {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Author, m.Content)
		}))
	defer store.Close()

	if err := store.RefreshDirectory(ctx); err != nil {
		logger.Warn("group directory unavailable", zap.Error(err))
	}

	fmt.Printf("Signed in as %s (%s)\n", user.Username, user.ID)
	fmt.Println("Commands: /group <id>, /dm <userID>, /edit <msgID> <text>, /del <msgID>, /who, /history, /quit")

	return inputLoop(ctx, store, user)
}

func inputLoop(ctx context.Context, store *session.Store, user chat.User) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			store.NotifyTyping()
			if err := store.SendMessage(ctx, line); err != nil {
				fmt.Printf("!!! send failed: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/exit":
			return nil

		case "/group":
			if len(fields) != 2 {
				fmt.Println("usage: /group <id>")
				continue
			}
			activate(ctx, store, chat.ActiveChatRef{Kind: chat.KindGroup, ID: fields[1]})

		case "/dm":
			if len(fields) != 2 {
				fmt.Println("usage: /dm <userID>")
				continue
			}
			activate(ctx, store, chat.ActiveChatRef{Kind: chat.KindPrivate, ID: fields[1]})

		case "/edit":
			if len(fields) < 3 {
				fmt.Println("usage: /edit <msgID> <text>")
				continue
			}
			content := strings.TrimSpace(strings.TrimPrefix(line, "/edit "+fields[1]))
			if err := store.EditMessage(ctx, fields[1], content); err != nil {
				fmt.Printf("!!! edit failed: %v\n", err)
			}

		case "/del":
			if len(fields) != 2 {
				fmt.Println("usage: /del <msgID>")
				continue
			}
			if err := store.DeleteMessage(ctx, fields[1]); err != nil {
				fmt.Printf("!!! delete failed: %v\n", err)
			}

		case "/who":
			typing := store.TypingUsers()
			if len(typing) == 0 {
				fmt.Println("nobody is typing")
			} else {
				fmt.Printf("typing: %s\n", strings.Join(typing, ", "))
			}

		case "/history":
			printHistory(store, user)

		default:
			fmt.Printf("unknown command %s\n", fields[0])
		}
	}
	return scanner.Err()
}

func activate(ctx context.Context, store *session.Store, ref chat.ActiveChatRef) {
	if err := store.SetActiveChat(ctx, &ref); err != nil {
		fmt.Printf("!!! %v\n", err)
		return
	}
	fmt.Printf("*** active chat: %s %s ***\n", ref.Kind, store.ChatID())
}

func printHistory(store *session.Store, user chat.User) {
	now := time.Now()
	for _, day := range store.MessagesByDate(time.Local) {
		first := day.Messages[0].Timestamp
		fmt.Printf("--- %s ---\n", chat.FormatDate(first, now, time.Local))
		for _, m := range day.Messages {
			author := m.Author
			if m.Author == user.ID {
				author = "you"
			}
			body := m.Content
			if m.Deleted {
				body = "(message deleted)"
			}
			suffix := ""
			if m.Edited && !m.Deleted {
				suffix = " (edited)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("15:04"), author, body, suffix)
		}
	}
}
