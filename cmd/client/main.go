package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omochice/channel-relay/internal/client"
	"github.com/omochice/channel-relay/internal/logging"
)

func main() {
	// Parse command-line flags
	serverAddr := flag.String("server", "localhost:3055", "Relay address (e.g., localhost:3055)")
	channel := flag.String("channel", "", "Channel to join")
	health := flag.Bool("health", false, "Print the server status and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *health {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := client.Health(ctx, *serverAddr)
		if err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		out, err := json.Marshal(status)
		if err != nil {
			log.Fatalf("Failed to encode status: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	if *channel == "" {
		log.Fatal("Channel is required. Use -channel flag")
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	c := client.New(*serverAddr, client.WithLogger(logging.New(logging.ParseLevel(level), "text", os.Stderr)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Join(ctx, *channel); err != nil {
		log.Fatalf("Failed to join channel: %v", err)
	}
	defer c.Disconnect()

	// Print everything the channel relays to us
	go func() {
		for data := range c.Messages() {
			fmt.Println(string(data))
		}
		stop()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Error reading input: %v", err)
		}
	}()

	fmt.Printf("Joined %s. Type messages (or 'quit' to exit):\n", *channel)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				return
			}
			if err := c.Send(ctx, *channel, sendPayload(text)); err != nil {
				log.Printf("Failed to send message: %v", err)
			}
		}
	}
}

// sendPayload sends JSON input as is and wraps anything else as text.
func sendPayload(text string) any {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	return map[string]string{"text": text}
}
