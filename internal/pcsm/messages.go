package pcsm

import (
	"context"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/wireproto"
)

// EndpointBuilder derives a push endpoint URL from identity, the
// out-of-scope crypto concern named in §1 ("VAPID/JWT validation and
// endpoint-URL crypto used on the push-reception path"). The core only
// depends on this narrow function.
type EndpointBuilder func(uaid ids.UAID, channelID ids.ChannelId, publicKey string) (string, error)

// HandleRegister implements Register (§4.4.2).
func (c *Connection) HandleRegister(ctx context.Context, channelIDStr, key string, build EndpointBuilder) (wireproto.RegisterReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply := wireproto.RegisterReply{MessageType: wireproto.TypeRegister, ChannelID: channelIDStr}

	channelID, ok := ids.ParseChannelIDStrict(channelIDStr)
	if !ok {
		reply.Status = 400
		reply.PushEndpoint = "Invalid channelID"
		return reply, nil
	}

	if c.deferRegistration {
		if err := c.deps.Store.AddUser(ctx, c.pendingUser); err != nil {
			reply.Status = 500
			return reply, nil
		}
		c.deferRegistration = false
	}

	endpoint, err := build(c.uaid, channelID, key)
	if err != nil {
		reply.Status = 400
		reply.PushEndpoint = "Failed to generate endpoint"
		return reply, nil
	}

	if err := c.deps.Store.AddChannel(ctx, c.uaid, channelID); err != nil {
		reply.Status = 500
		return reply, nil
	}

	c.stats.Registers++
	reply.Status = 200
	reply.PushEndpoint = endpoint
	return reply, nil
}

// HandleUnregister implements Unregister (§4.4.2).
func (c *Connection) HandleUnregister(ctx context.Context, channelIDStr string, code int) (wireproto.UnregisterReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply := wireproto.UnregisterReply{MessageType: wireproto.TypeUnregister, ChannelID: channelIDStr}

	channelID, ok := ids.ParseChannelIDStrict(channelIDStr)
	if !ok {
		reply.Status = 500
		return reply, nil
	}

	if _, err := c.deps.Store.RemoveChannel(ctx, c.uaid, channelID); err != nil {
		reply.Status = 500
		return reply, nil
	}

	if code == 0 {
		code = 200
	}
	c.stats.Unregisters++
	reply.Status = 200
	return reply, nil
}

// HandleBroadcastSubscribe implements BroadcastSubscribe (§4.4.2). The
// nil return means "omit the server message entirely" per spec.
func (c *Connection) HandleBroadcastSubscribe(desired []broadcast.Broadcast) *wireproto.BroadcastMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta, missing := c.deps.BCT.SubscribeWith(&c.broadcastSubs, desired)
	if len(delta) == 0 && len(missing) == 0 {
		return nil
	}

	broadcasts := make(map[string]string, len(delta))
	for _, b := range delta {
		broadcasts[b.BroadcastID] = b.Version
	}
	return &wireproto.BroadcastMessage{
		MessageType: "broadcast",
		Broadcasts:  broadcasts,
		Errors:      missing,
	}
}

// HandlePing implements the application-level Ping (§4.4.2), rate
// limited to once per 45s (P9).
func (c *Connection) HandlePing() (wireproto.PingReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowS()
	if c.lastPingS != 0 && now-c.lastPingS < 45 {
		monitoring.PingRateLimited.Inc()
		return wireproto.PingReply{}, closeErr(ReasonExcessivePing, "")
	}
	c.lastPingS = now
	return wireproto.PingReply{MessageType: "ping"}, nil
}

// HandleNack implements Nack (§4.4.2). No server reply.
func (c *Connection) HandleNack(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch code {
	case 301, 302, 303:
	default:
		code = 0
	}
	c.stats.Nacks++
	monitoring.ClientMessagesTotal.WithLabelValues(wireproto.TypeNack, "ok").Inc()
}
