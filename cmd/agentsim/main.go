// agentsim is a development client: it performs the agent challenge
// handshake against a running gateway, then keeps a socket open with a
// heartbeat loop while echoing every delivered frame. Useful for poking at
// subjects without a real agent.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		gatewayURL = flag.String("gateway", "http://127.0.0.1:8080", "gateway base URL")
		tenantID   = flag.String("tenant", "", "tenant id")
		agentID    = flag.String("agent", "", "agent id")
		keyB64     = flag.String("key", os.Getenv("AGENT_PRIVATE_KEY"), "base64 ed25519 private key seed or full key")
		subscribe  = flag.String("subscribe", "", "comma-separated subjects to subscribe after connect")
		publish    = flag.String("publish", "", "subject to publish a test message to after connect")
		beatEvery  = flag.Duration("heartbeat", 25*time.Second, "heartbeat interval")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *tenantID == "" || *agentID == "" || *keyB64 == "" {
		logger.Error("tenant, agent and key are required")
		os.Exit(1)
	}

	priv, err := parseKey(*keyB64)
	if err != nil {
		logger.Error("bad private key", "error", err)
		os.Exit(1)
	}

	challenge, err := fetchChallenge(*gatewayURL, *tenantID)
	if err != nil {
		logger.Error("challenge fetch failed", "error", err)
		os.Exit(1)
	}

	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(challenge)))
	wsURL := strings.Replace(*gatewayURL, "http", "ws", 1) +
		fmt.Sprintf("/ws/agent/%s?tenant_id=%s&challenge=%s&signature=%s", *agentID, *tenantID, challenge, sig)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logger.Error("dial failed", "url", wsURL, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "agent", *agentID, "tenant", *tenantID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				logger.Info("socket closed", "error", err)
				return
			}
			fmt.Println(string(payload))
		}
	}()

	for _, subj := range splitList(*subscribe) {
		send(conn, frame{ID: uuid.NewString(), Type: "subscribe", Subject: subj})
	}
	if *publish != "" {
		send(conn, frame{
			ID:      uuid.NewString(),
			Type:    "publish",
			Subject: *publish,
			Data:    json.RawMessage(`{"hello":"from agentsim"}`),
		})
	}

	ticker := time.NewTicker(*beatEvery)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			send(conn, frame{Type: "heartbeat"})
		case <-sigCh:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case <-done:
			return
		}
	}
}

func parseKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}

func fetchChallenge(baseURL, tenantID string) (string, error) {
	resp, err := http.Post(baseURL+"/auth/challenge?tenant_id="+tenantID, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("challenge endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Challenge, nil
}

func send(conn *websocket.Conn, f frame) {
	if err := conn.WriteJSON(f); err != nil {
		slog.Error("write failed", "type", f.Type, "error", err)
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
