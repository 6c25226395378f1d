// Command loadtest drives pairs of users through register, conversation
// creation and a websocket message exchange against a running server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go-dm/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL     string
	pairs       int
	messages    int
	concurrency int
	delay       time.Duration
}

type authResponse struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	AccessToken string `json:"accessToken"`
}

type conversationResponse struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of user pairs")
	flag.IntVar(&opts.messages, "messages", 20, "messages sent per user")
	flag.IntVar(&opts.concurrency, "concurrency", 100, "pairs running at once")
	flag.DurationVar(&opts.delay, "delay", 10*time.Millisecond, "pause between sends")
	flag.Parse()

	log := logging.New("info", "text")
	if err := run(context.Background(), opts, log); err != nil {
		log.Error("load test failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, log *slog.Logger) error {
	log.Info("starting load test", "users", opts.pairs*2, "messages_per_user", opts.messages)
	start := time.Now()
	var st stats

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	runID := uuid.NewString()[:8]
	for i := 0; i < opts.pairs; i++ {
		g.Go(func() error {
			if err := runPair(ctx, opts, fmt.Sprintf("%s_%d", runID, i), &st); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", "pair", i, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed_pairs", st.failed.Load())
	if st.failed.Load() > 0 {
		return errors.New("some pairs failed")
	}
	return nil
}

func runPair(ctx context.Context, opts options, tag string, st *stats) error {
	a, err := register(ctx, opts.baseURL, "a"+tag)
	if err != nil {
		return err
	}
	b, err := register(ctx, opts.baseURL, "b"+tag)
	if err != nil {
		return err
	}

	convID, err := createConversation(ctx, opts.baseURL, a.AccessToken, b.User.ID)
	if err != nil {
		return err
	}

	// Both sides must be in the room before anyone sends, or early messages
	// are missed and the receive counts never add up.
	var conns []*websocket.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for _, u := range []authResponse{a, b} {
		c, err := join(ctx, opts.baseURL, u.AccessToken, convID)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}

	// Every message is seen by both sides, the sender's echo included.
	expected := int64(2 * opts.messages)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			return chatter(ctx, opts, c, convID, expected, st)
		})
	}
	return g.Wait()
}

func register(ctx context.Context, baseURL, username string) (authResponse, error) {
	var out authResponse
	err := postJSON(ctx, baseURL+"/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@loadtest.local",
		"password": "password123",
	}, &out)
	if err != nil {
		return out, fmt.Errorf("register %s: %w", username, err)
	}
	return out, nil
}

func createConversation(ctx context.Context, baseURL, token, recipientID string) (string, error) {
	var out conversationResponse
	err := postJSON(ctx, baseURL+"/conversations", token, map[string]string{"recipientUserId": recipientID}, &out)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return out.Conversation.ID, nil
}

func join(ctx context.Context, baseURL, token, convID string) (*websocket.Conn, error) {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.WriteJSON(frame{Event: "conversation:join", Data: mustJSON(convID)}); err != nil {
		conn.Close()
		return nil, err
	}
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, fmt.Errorf("await join: %w", err)
		}
		switch f.Event {
		case "conversation:joined":
			return conn, nil
		case "conversation:error", "error":
			conn.Close()
			return nil, fmt.Errorf("join rejected: %s", f.Data)
		}
	}
}

func chatter(ctx context.Context, opts options, conn *websocket.Conn, convID string, expected int64, st *stats) error {
	done := make(chan error, 1)
	go func() {
		var got int64
		for got < expected {
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				done <- fmt.Errorf("read after %d/%d messages: %w", got, expected, err)
				return
			}
			switch f.Event {
			case "message:new":
				got++
				st.received.Add(1)
			case "conversation:error", "error":
				done <- fmt.Errorf("server rejected: %s", f.Data)
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < opts.messages; i++ {
		payload := mustJSON(map[string]string{
			"conversationId": convID,
			"content":        fmt.Sprintf("load test message %d", i),
		})
		if err := conn.WriteJSON(frame{Event: "message:send", Data: payload}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		st.sent.Add(1)
		time.Sleep(opts.delay)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func postJSON(ctx context.Context, endpoint, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
