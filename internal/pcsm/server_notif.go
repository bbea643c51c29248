package pcsm

import (
	"context"

	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/registry"
)

// HandleSignal dispatches one Registry-originated signal (§4.4.5). The
// supervisor calls this from the connection's read-side select loop
// whenever the sink yields a value.
func (c *Connection) HandleSignal(ctx context.Context, sig registry.Signal) ([]interface{}, error) {
	switch sig.Kind {
	case registry.SignalNotification:
		return c.handleDirectNotification(sig.Notification)
	case registry.SignalCheckStorage:
		return c.handleCheckStorageSignal(ctx)
	case registry.SignalDisconnect:
		return nil, closeErr(ReasonGhost, "displaced by a newer session")
	default:
		return nil, closeErr(ReasonInternal, "unknown registry signal")
	}
}

// handleDirectNotification implements §4.4.5 Notification(n). A
// ttl=0 notification is send-once: it is written to the socket but
// never added to unacked_direct, so a disconnect before the client
// acks it does not replay it.
func (c *Connection) handleDirectNotification(n notification.Notification) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n.TTL != 0 {
		c.unackedDirect = append(c.unackedDirect, n)
		c.stats.DirectStorage++
	}
	monitoring.NotificationsDelivered.WithLabelValues("direct").Inc()
	return []interface{}{notificationToWire(n)}, nil
}

// handleCheckStorageSignal implements §4.4.5 CheckStorage.
func (c *Connection) handleCheckStorageSignal(ctx context.Context) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkStorage = true
	c.includeTopic = true
	monitoring.StorageChecksTotal.Inc()
	return c.runStorageCheckLoop(ctx)
}
