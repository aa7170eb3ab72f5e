package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forecast_platform/config"
)

// ErrShutdown is returned by Run when the server ordered the module to
// shut down.
var ErrShutdown = errors.New("shutdown ordered by server")

// ExecuteFunc runs one dispatched job. The returned value is sent back
// to the server as JSON.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) any

// WorkClient keeps a websocket connection to the coordination server,
// heartbeats on it and executes dispatched jobs.
type WorkClient struct {
	cfg        *config.Config
	moduleHash string
	execute    ExecuteFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWorkClient creates a work client for a registered module
func NewWorkClient(cfg *config.Config, moduleHash string, execute ExecuteFunc) *WorkClient {
	return &WorkClient{
		cfg:        cfg,
		moduleHash: moduleHash,
		execute:    execute,
	}
}

func (c *WorkClient) wsURL() string {
	return fmt.Sprintf("ws://%s:%d/websocket?hash=%s", c.cfg.ServerIP, c.cfg.ServerPort, c.moduleHash)
}

func (c *WorkClient) heartbeatInterval() time.Duration {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10
	}
	return time.Duration(interval) * time.Second
}

// Run connects and serves jobs until the context is cancelled or the
// server orders a shutdown. Lost connections are redialed after one
// heartbeat interval.
func (c *WorkClient) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		switch {
		case errors.Is(err, ErrShutdown):
			return ErrShutdown
		case ctx.Err() != nil:
			return ctx.Err()
		}

		if err != nil {
			log.Printf("Websocket session ended: %v", err)
		}
		log.Printf("Reconnecting in %s", c.heartbeatInterval())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.heartbeatInterval()):
		}
	}
}

// runOnce dials the server and serves one connection to completion
func (c *WorkClient) runOnce(ctx context.Context) error {
	wsURL := c.wsURL()
	log.Printf("Connecting to %s", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	log.Println("Websocket connection established")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(sessionCtx)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("connection lost: %w", err)
			}
			return err
		}
		if err := c.handleMessage(sessionCtx, message); err != nil {
			return err
		}
	}
}

// heartbeatLoop sends a plain text heartbeat every interval while the
// session lasts
func (c *WorkClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(websocket.TextMessage, []byte("heartbeat")); err != nil {
				log.Printf("Heartbeat send failed: %v", err)
				return
			}
		}
	}
}

// envelope is the outer message wrapper; the message field arrives
// either as an object or as a JSON-encoded string
type envelope struct {
	Message json.RawMessage `json:"message"`
}

// command is the decoded inner message
type command struct {
	Type string          `json:"type"`
	Meta json.RawMessage `json:"meta,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type ackMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *WorkClient) handleMessage(ctx context.Context, raw []byte) error {
	text := strings.TrimSpace(string(raw))
	switch text {
	case "receive result":
		log.Println("Server confirmed result delivery")
		return nil
	case "heartbeat confirm":
		return nil
	}

	cmd, err := decodeCommand(raw)
	if err != nil {
		log.Printf("Ignoring unparseable message: %v", err)
		return nil
	}

	switch cmd.Type {
	case "shutdown":
		log.Println("Shutdown ordered by server")
		c.sendJSON(ackMessage{Status: "success", Message: "module shutting down"})
		return ErrShutdown

	case "execute":
		log.Println("Execute command received")
		result := c.runJob(ctx, cmd)
		if err := c.sendJSON(result); err != nil {
			return fmt.Errorf("failed to send job result: %w", err)
		}
		log.Println("Job finished, result sent")
		return nil

	default:
		log.Printf("Unknown command type %q", cmd.Type)
		return nil
	}
}

// decodeCommand unwraps the envelope and decodes the inner command,
// tolerating a string-encoded message field
func decodeCommand(raw []byte) (*command, error) {
	var outer envelope
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, err
	}
	inner := outer.Message
	if len(inner) == 0 {
		return nil, fmt.Errorf("empty message field")
	}

	var nested string
	if err := json.Unmarshal(inner, &nested); err == nil {
		inner = []byte(nested)
	}

	var cmd command
	if err := json.Unmarshal(inner, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// runJob executes the handler, converting a panic into an error result
// so one bad job does not take the connection down
func (c *WorkClient) runJob(ctx context.Context, cmd *command) (result any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job panicked: %v", r)
			result = ackMessage{Status: "error", Message: fmt.Sprintf("job panicked: %v", r)}
		}
	}()

	if c.execute == nil {
		return ackMessage{Status: "error", Message: "no execute handler configured"}
	}
	return c.execute(ctx, cmd.Args)
}

func (c *WorkClient) send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *WorkClient) sendJSON(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, data)
}
