package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/basket/tablebus/internal/queue"
	"github.com/basket/tablebus/internal/transport"
)

func runConsume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("consume", flag.ExitOnError)
	commonFlags(fs)
	agent := fs.String("agent", "", "claiming agent id (required)")
	topic := fs.String("topic", "", "only claim this topic")
	session := fs.String("session", "", "only claim this session")
	leaseMS := fs.Int("lease-ms", 0, "lease duration in ms (0 uses the configured extension)")
	idleMS := fs.Int("idle-ms", 1000, "wait between empty claims in ms")
	max := fs.Int("max", 0, "exit after this many messages (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return fmt.Errorf("-agent is required")
	}

	tr, cfg, cleanup, err := setup(ctx, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	tt, ok := tr.(*transport.TableTransport)
	if !ok {
		return fmt.Errorf("consume requires a table-backed transport")
	}
	engine := tt.Engine()

	processed := 0
	for ctx.Err() == nil {
		msg, err := engine.Claim(ctx, queue.ClaimOptions{
			AgentID:   *agent,
			Lease:     time.Duration(*leaseMS) * time.Millisecond,
			Topic:     *topic,
			SessionID: *session,
		})
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(*idleMS) * time.Millisecond):
			}
			continue
		}

		start := time.Now()
		fmt.Printf("claimed %s topic=%s priority=%d retry=%d payload=%s\n",
			msg.ID, msg.Topic, msg.Priority, msg.RetryCount, msg.PayloadJSON)

		// Heartbeat in the background while the message is handled.
		hbCtx, stopHB := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			_ = engine.KeepAlive(hbCtx, *agent, msg.ID, cfg.Queue.HeartbeatInterval(), 0)
		}()

		ok, err := engine.Ack(ctx, msg.ID, *agent, float64(time.Since(start).Milliseconds()))
		stopHB()
		<-hbDone
		if err != nil {
			return fmt.Errorf("ack %s: %w", msg.ID, err)
		}
		if !ok {
			fmt.Printf("lost lease on %s before ack\n", msg.ID)
			continue
		}

		processed++
		if *max > 0 && processed >= *max {
			return nil
		}
	}
	return nil
}
