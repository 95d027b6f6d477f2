package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/omochice/chat-gateway/internal/client"
	"github.com/omochice/chat-gateway/internal/client/tcp"
	"github.com/omochice/chat-gateway/internal/client/ws"
	"github.com/omochice/chat-gateway/internal/logging"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

const usage = `Commands:
  register NAME PASS   create an account
  login NAME PASS      log in with credentials
  token [TOKEN]        renew a session token (defaults to the last one received)
  logout               end the session
  echo TEXT            send a text frame
  quit`

func main() {
	// Parse command-line flags
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Gateway URL (ws://, wss:// or tcp://host:port)")
	flag.Parse()

	var c client.Client
	if addr, ok := strings.CutPrefix(*serverURL, "tcp://"); ok {
		c = tcp.New(addr)
	} else {
		c = ws.New(*serverURL)
	}
	if err := c.Connect(); err != nil {
		logging.Fatalf("Failed to connect to server: %v", err)
	}
	defer c.Disconnect()

	logging.Infof("Connected to %s", *serverURL)

	tokens := make(chan string, 1)
	go func() {
		for msg := range c.Messages() {
			printMessage(msg, tokens)
		}
		if err := c.Err(); err != nil {
			logging.Infof("Connection closed: %v", err)
		}
	}()

	fmt.Println(usage)
	var lastToken string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case lastToken = <-tokens:
		default:
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch cmd, args := fields[0], fields[1:]; cmd {
		case "quit", "exit":
			return
		case "register", "login":
			if len(args) != 2 {
				fmt.Println(usage)
				continue
			}
			if cmd == "register" {
				err = c.Register(args[0], args[1])
			} else {
				err = c.Login(args[0], args[1])
			}
		case "token":
			tok := lastToken
			if len(args) > 0 {
				tok = args[0]
			}
			err = c.LoginToken(tok)
		case "logout":
			err = c.Logout()
		case "echo":
			err = c.SendText(strings.Join(args, " "))
		default:
			fmt.Println(usage)
			continue
		}
		if err != nil {
			logging.Warningf("Failed to send: %v", err)
		}
	}

	if err := scanner.Err(); err != nil {
		logging.Warningf("Error reading input: %v", err)
	}
}

func printMessage(msg client.Message, tokens chan string) {
	switch {
	case msg.Text:
		fmt.Printf("echo: %s\n", msg.Data)
	case msg.Response == nil:
		fmt.Printf("delivery (%d bytes): %s\n", len(msg.Data), hex.EncodeToString(msg.Data))
	case msg.Response.Login.Kind == protocol.LoginResultSuccess:
		u := msg.Response.Login.User
		fmt.Printf("logged in as %s (id %d, karma %d, streak %d)\ntoken: %s\n",
			u.Username, u.ID, u.Karma, u.Streak, msg.Response.Login.Token)
		// Keep only the newest token.
		select {
		case <-tokens:
		default:
		}
		tokens <- msg.Response.Login.Token
	case msg.Response.Login.Kind == protocol.LoginResultError:
		fmt.Printf("error: %s\n", msg.Response.Login.Error)
	default:
		fmt.Println("unrecognized response")
	}
}
