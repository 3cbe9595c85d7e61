package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/tablebus/internal/codec"
)

func runProduce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("produce", flag.ExitOnError)
	commonFlags(fs)
	topic := fs.String("topic", "tasks", "message topic")
	session := fs.String("session", "", "session id")
	task := fs.String("task", "", "task id")
	agent := fs.String("agent", "producer", "publishing agent id")
	role := fs.String("role", "user", "message role")
	msgType := fs.String("type", "task", "message type")
	priority := fs.Int("priority", 0, "priority (higher claims first)")
	ttlMS := fs.Int("ttl-ms", 0, "time to live in ms (0 uses the configured default)")
	count := fs.Int("count", 1, "publish the payload this many times")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload := strings.Join(fs.Args(), " ")
	if payload == "" {
		// Read from stdin when no payload argument is given, so
		// `echo '{"x":1}' | tablebus produce` works.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read payload from stdin: %w", err)
		}
		payload = strings.TrimSpace(string(data))
	}
	if payload == "" {
		return fmt.Errorf("no payload given")
	}

	tr, _, cleanup, err := setup(ctx, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	for i := 0; i < *count; i++ {
		id, err := tr.PublishMessage(ctx, codec.Message{
			Topic:       *topic,
			SessionID:   *session,
			TaskID:      *task,
			AgentID:     *agent,
			Role:        *role,
			MsgType:     *msgType,
			PayloadJSON: payload,
			Priority:    int32(*priority),
			TTLMillis:   int32(*ttlMS),
		})
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Println(id)
	}
	return nil
}
