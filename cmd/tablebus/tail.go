package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/basket/tablebus/internal/poll"
	"github.com/basket/tablebus/internal/transport"
)

func runTail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	commonFlags(fs)
	topic := fs.String("topic", "", "only show this topic")
	session := fs.String("session", "", "only show this session")
	status := fs.String("status", "", "only show this status (queued, processing, done, expired)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filters := transport.Filters{}
	if *topic != "" {
		filters["topic"] = *topic
	}
	if *session != "" {
		filters["session_id"] = *session
	}
	if *status != "" {
		filters["status"] = *status
	}

	tr, _, cleanup, err := setup(ctx, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	sub, err := tr.SubscribeMessages(ctx, filters)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	for {
		msg, err := sub.Next(time.Second)
		switch {
		case errors.Is(err, poll.ErrTimeout):
			if ctx.Err() != nil {
				return nil
			}
			continue
		case errors.Is(err, poll.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		fmt.Printf("%s %s topic=%s session=%s status=%s payload=%s\n",
			time.Unix(0, msg.IngestTS).Format(time.RFC3339),
			msg.ID, msg.Topic, msg.SessionID, msg.Status, msg.PayloadJSON)
	}
}
