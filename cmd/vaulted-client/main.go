// Command vaulted-client is a terminal client. Messages typed while offline
// wait in the local Outbox and go out once the relay connection is back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"vaulted/internal/call"
	"vaulted/internal/client"
	"vaulted/internal/config"
	"vaulted/internal/localstore"
	vlogging "vaulted/internal/logging"
	"vaulted/internal/models"
)

var log = logging.Logger("client")

const retryDelay = 3 * time.Second

type chatTarget struct {
	chatID string
	peerID string
}

func main() {
	cfg := config.LoadClient()
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	if err := vlogging.Setup(level); err != nil {
		log.Fatalf("invalid LOG_LEVEL: %v", err)
	}
	if cfg.Token == "" {
		log.Fatal("VAULTED_TOKEN is required; sign in through the magic link first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	store, err := localstore.Open(filepath.Join(cfg.DataDir, "client.db"))
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer store.Close()

	api := client.NewAPI(cfg.ServerURL, cfg.Token)
	userID, err := api.Me(ctx)
	if err != nil {
		log.Fatalf("resolve identity: %v", err)
	}

	session := client.NewSession(userID, api.WebSocketURL(), api, store)
	session.OnMessage(func(msg models.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.ChatID, msg.SenderID, readable(msg.Ciphertext))
	})

	coord := call.NewCoordinator(session, call.NewPionFactory(call.DefaultICEServers))
	coord.OnStateChange(func(s call.State) {
		fmt.Printf("call: %s\n", s)
	})
	session.OnSignal(coord.HandleSignal)

	go func() {
		if err := session.Run(ctx, retryDelay); err != nil && ctx.Err() == nil {
			log.Errorw("session stopped", "err", err)
		}
	}()

	fmt.Printf("signed in as %s. commands: chats, open <peer>, send <text>, history, parked, call, end, mute, camera, quit\n", userID)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var current chatTarget
	for {
		select {
		case <-ctx.Done():
			coord.End()
			return
		case line, ok := <-lines:
			if !ok {
				coord.End()
				return
			}
			if quit := run(ctx, api, session, store, coord, &current, line); quit {
				coord.End()
				return
			}
		}
	}
}

func run(ctx context.Context, api *client.API, session *client.Session, store *localstore.Store, coord *call.Coordinator, current *chatTarget, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "chats":
		chats, err := api.ListChats(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, c := range chats {
			fmt.Printf("%s  %s\n", c.ChatID, readable(c.LastMessage))
		}
	case "open":
		if arg == "" {
			fmt.Println("usage: open <peer>")
			return false
		}
		chatID, err := api.CreateChat(ctx, arg)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		*current = chatTarget{chatID: chatID, peerID: arg}
		fmt.Printf("chat %s with %s\n", chatID, arg)
	case "send":
		if current.chatID == "" {
			fmt.Println("open a chat first")
			return false
		}
		entry, err := session.Send(ctx, current.chatID, current.peerID, arg)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		if !session.Connected() {
			fmt.Printf("queued %s until reconnect\n", entry.ID)
		}
	case "history":
		msgs, err := store.Mirror(ctx, current.chatID)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, msg := range msgs {
			fmt.Printf("%s %s: %s\n", time.UnixMilli(msg.Timestamp).Format(time.Kitchen), msg.SenderID, readable(msg.Ciphertext))
		}
	case "parked":
		entries, err := store.Parked(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, e := range entries {
			fmt.Printf("%s [%s] to %s: %s\n", e.ID, e.ChatID, e.ReceiverID, readable(e.Ciphertext))
		}
	case "call":
		if current.peerID == "" {
			fmt.Println("open a chat first")
			return false
		}
		if err := coord.StartCall(current.peerID); err != nil {
			fmt.Println("error:", err)
		}
	case "end":
		coord.End()
	case "mute":
		fmt.Println("muted:", coord.ToggleMute())
	case "camera":
		fmt.Println("camera off:", coord.ToggleCamera())
	default:
		fmt.Println("unknown command", cmd)
	}
	return false
}

func readable(ciphertext string) string {
	if text, err := client.Open(ciphertext); err == nil {
		return text
	}
	return ciphertext
}
