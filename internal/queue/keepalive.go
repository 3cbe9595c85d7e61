package queue

import (
	"context"
	"time"
)

// KeepAlive heartbeats a claimed message every interval until ctx is
// canceled or the lease is lost. It blocks the calling goroutine; run
// it concurrently with the work it protects. Returns nil when the loop
// ends because the lease was lost or ctx was canceled, and the store
// error when a heartbeat fails outright.
func (e *Engine) KeepAlive(ctx context.Context, agentID, messageID string, interval, extension time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := e.Heartbeat(ctx, agentID, messageID, extension)
			if err != nil {
				return err
			}
			if !ok {
				e.log.Debug("keepalive stopping: lease lost", "message_id", messageID, "agent_id", agentID)
				return nil
			}
		}
	}
}
