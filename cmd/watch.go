package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"github.com/chatgate/gateway/internal/config"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	url := fs.String("url", "ws://"+config.DefaultAddr+"/ws", "WebSocket URL of the gateway")
	count := fs.Int("count", 0, "Exit after this many messages (0: run until interrupted)")
	insecure := fs.Bool("insecure", false, "Accept any certificate on wss:// URLs (self-signed gateways)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate watch [options]\n\nPrint session updates and notifications as they are broadcast.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dialer := *websocket.DefaultDialer
	if *insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if err := watch(ctx, &dialer, *url, *count, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// watchMessage is a received broadcast with undecoded data.
type watchMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// watch prints one line per broadcast until ctx is done, the server closes
// the connection, or count messages were printed.
func watch(ctx context.Context, dialer *websocket.Dialer, url string, count int, out io.Writer) error {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on interrupt.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for n := 1; count <= 0 || n <= count; n++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var msg watchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintf(out, "[%d] raw %s\n", n, data)
			continue
		}
		fmt.Fprintf(out, "[%d] %s %s\n", n, msg.Type, describe(msg))
	}
	return nil
}

// describe renders the interesting fields of a broadcast.
func describe(msg watchMessage) string {
	switch msg.Type {
	case "session-update":
		var updates []struct {
			SessionID   string `json:"sessionId"`
			Status      string `json:"status"`
			Detail      string `json:"detail"`
			PairingCode string `json:"pairingCode"`
			QRCode      string `json:"qrCode"`
		}
		if err := json.Unmarshal(msg.Data, &updates); err != nil || len(updates) == 0 {
			break
		}
		u := updates[0]
		s := fmt.Sprintf("session=%s status=%s detail=%q", u.SessionID, u.Status, u.Detail)
		if u.PairingCode != "" {
			s += " code=" + u.PairingCode
		}
		if u.QRCode != "" {
			s += " qr=pending (chatgate sessions qr " + u.SessionID + ")"
		}
		return s
	case "notification":
		var n struct {
			UserID string `json:"userId"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			break
		}
		return fmt.Sprintf("user=%s title=%q", n.UserID, n.Title)
	}
	return string(msg.Data)
}
