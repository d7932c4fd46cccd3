package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/client"
	"github.com/mqy/minichat/events"
)

// A terminal chat client, or with `--mode watch` a consumer of the events the server
// writes to kafka.

var (
	flagMode     = flag.String("mode", "chat", "chat or watch")
	flagServer   = flag.String("server", "http://127.0.0.1:8000", "server base url")
	flagEmail    = flag.String("email", "", "login email")
	flagPassword = flag.String("password", "", "login password")
	flagSignup   = flag.String("signup", "", "sign up with this username before login")
	flagMockUid  = flag.String("mock-uid", "", "user id, for servers running --auth-mode=mock")

	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *flagMode {
	case "chat":
		err = runChat(ctx)
	case "watch":
		err = runWatch(ctx)
	default:
		err = fmt.Errorf("unknown --mode %q", *flagMode)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWatch(ctx context.Context) error {
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-events --create
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(*flagKafkaBrokers, ","),
		Topic:   *flagKafkaTopic,
		GroupID: "minichat-demo",
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer r.Close()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			return err
		}
		var ev events.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			fmt.Printf("bad event at offset %d: %v\n", m.Offset, err)
			continue
		}
		if ev.Message != nil {
			fmt.Printf("%s %s: %s -> %s: %q\n", ev.Time.Format(time.RFC3339), ev.Type,
				ev.Message.SenderId, ev.Message.ReceiverId, ev.Message.Text)
		}
	}
}

func runChat(ctx context.Context) error {
	remote := client.NewRemote(*flagServer)
	if *flagMockUid != "" {
		remote.UseMockUid(*flagMockUid)
	} else {
		if *flagSignup != "" {
			if _, err := remote.Signup(ctx, &chat.SignupInput{
				Username: *flagSignup,
				FullName: *flagSignup,
				Email:    *flagEmail,
				Password: *flagPassword,
				Bio:      "demo",
			}); err != nil {
				return fmt.Errorf("signup: %w", err)
			}
		}
		if _, err := remote.Login(ctx, *flagEmail, *flagPassword); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	me, err := remote.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (%s)\n", me.Username, me.Id)

	c := client.New(remote, func(err error) { fmt.Println("!", err) })
	go c.Run(ctx)
	go func() {
		if err := remote.Listen(ctx, c); err != nil && ctx.Err() == nil {
			fmt.Println("! realtime:", err)
		}
	}()
	c.Refresh()

	fmt.Println("commands: /search <prefix>, /add <username>, /open <username>, /close, /view; other lines are sent")
	var found []*chat.Contact
	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "/search":
			found, err = remote.SearchUsers(ctx, arg)
			if err != nil {
				fmt.Println("!", err)
				continue
			}
			for _, u := range found {
				fmt.Printf("  %s (%s)\n", u.Username, u.FullName)
			}
		case "/add":
			u := byUsername(found, arg)
			if u == nil {
				fmt.Println("! /search first")
				continue
			}
			if err := remote.AddContact(ctx, u.Id); err != nil {
				fmt.Println("!", err)
				continue
			}
			c.Refresh()
		case "/open":
			v, err := c.View()
			if err != nil {
				return err
			}
			u := byUsername(v.Contacts, arg)
			if u == nil {
				fmt.Println("! not a contact:", arg)
				continue
			}
			c.Select(u.Id)
		case "/close":
			c.Deselect()
		case "/view":
			v, err := c.View()
			if err != nil {
				return err
			}
			printView(me.Id, v)
		default:
			c.Send(&chat.SendInput{Text: line})
		}
	}
	return lines.Err()
}

func byUsername(users []*chat.Contact, username string) *chat.Contact {
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return u
		}
	}
	return nil
}

func printView(self string, v *client.View) {
	for _, u := range v.Contacts {
		mark := " "
		if u.Online {
			mark = "*"
		}
		fmt.Printf("%s %-16s unseen: %d\n", mark, u.Username, v.Unseen[u.Id])
	}
	if v.Selected == "" {
		return
	}
	fmt.Println("---")
	if v.Loading {
		fmt.Println("loading ...")
	}
	for _, m := range v.Messages {
		who := "them"
		if m.SenderId == self {
			who = "me"
		}
		seen := ""
		if m.Seen {
			seen = " (seen)"
		}
		fmt.Printf("%s %4s: %s%s\n", m.CreatedAt.Format("15:04:05"), who, m.Text+m.Image, seen)
	}
}
