// Package supervisor implements the Connection Supervisor (§4.5): it
// owns the WebSocket, runs the WS-level ping/pong timer, shuttles
// decoded frames to a PCSM instance, and writes PCSM outputs back as
// frames. Grounded on the teacher's internal/shared/{server,pump_read,
// pump_write,handlers_ws}.go — gobwas/ws for the wire transport, a
// single reader goroutine feeding a channel the connection's main loop
// selects on alongside the Registry sink and the ping ticker (the
// teacher's own read/write pump split, adapted so that a single
// goroutine owns PCSM dispatch and strict inbound ordering (§5) falls
// out of that rather than needing an explicit lock at this layer).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/pcsm"
	"github.com/pushgate/connd/internal/wireproto"
)

// Config holds the Supervisor's timeouts and collaborators (§4.5, §5).
type Config struct {
	OpenHandshakeTimeout  time.Duration
	AutoPingInterval      time.Duration
	AutoPingTimeout       time.Duration
	CloseHandshakeTimeout time.Duration

	Deps    *pcsm.Deps
	Build   pcsm.EndpointBuilder
	Logger  zerolog.Logger
}

// Supervisor spawns and drives one task per accepted connection.
type Supervisor struct {
	cfg Config
}

func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Serve drives conn to completion: handshake, identified message
// exchange, and shutdown. It blocks until the connection ends and
// always closes conn before returning. Callers invoke this in its own
// goroutine per accepted socket.
func (s *Supervisor) Serve(ctx context.Context, conn net.Conn, clientIP string) {
	defer conn.Close()

	monitoring.ConnectionsActive.Inc()
	defer monitoring.ConnectionsActive.Dec()

	c := pcsm.New(s.cfg.Deps)

	// Shutdown must run even if ctx is already cancelled (§5: "the
	// runtime's structured-concurrency primitives must be used so that
	// Shutdown is non-skippable") — it is given a detached context so a
	// parent cancellation never races it out from under a connection
	// mid-drain.
	defer c.Shutdown(context.Background())

	if err := s.handshake(ctx, conn, c); err != nil {
		s.closeWithReason(conn, err)
		return
	}

	s.identifiedLoop(ctx, conn, c, clientIP)
}

// handshake implements Unidentified (§4.4.1): wait for exactly one
// Text frame carrying Hello, bounded by OpenHandshakeTimeout.
func (s *Supervisor) handshake(ctx context.Context, conn net.Conn, c *pcsm.Connection) error {
	conn.SetReadDeadline(time.Now().Add(s.cfg.OpenHandshakeTimeout))

	data, op, err := wsutil.ReadClientData(conn)
	if err != nil {
		return &pcsm.CloseError{Reason: pcsm.ReasonHandshakeTimeout, Detail: err.Error()}
	}
	conn.SetReadDeadline(time.Time{})
	if op != ws.OpText {
		return &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "binary frames are rejected"}
	}

	var env wireproto.ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed frame"}
	}
	if env.MessageType != wireproto.TypeHello {
		return &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "first message must be hello"}
	}

	var hello wireproto.Hello
	if err := json.Unmarshal(env.Raw, &hello); err != nil {
		return &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed hello"}
	}

	out, err := c.HandleHello(ctx, pcsm.HelloInput{
		UAID:       hello.UAID,
		UseWebPush: hello.UseWebPush,
		ChannelIDs: hello.ChannelIDs,
		Broadcasts: hello.Broadcasts,
	})
	if err != nil {
		return err
	}
	return s.writeAll(conn, out)
}

// frameMsg is what the reader goroutine feeds the main select loop.
type frameMsg struct {
	data []byte
	err  error
}

// identifiedLoop runs Identified (§4.4.2-§4.4.5) until a fatal error or
// context cancellation, then falls through to Shutdown in Serve's
// defer.
func (s *Supervisor) identifiedLoop(ctx context.Context, conn net.Conn, c *pcsm.Connection, clientIP string) {
	inbound := make(chan frameMsg, 1)
	pongCh := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go s.readLoop(conn, inbound, pongCh, readerDone)
	defer func() {
		conn.SetReadDeadline(time.Now())
		<-readerDone
	}()

	sink := c.Sink()

	pingInterval := s.cfg.AutoPingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	pongTimeout := s.cfg.AutoPingTimeout
	if pongTimeout <= 0 {
		pongTimeout = 10 * time.Second
	}
	pongDeadline := time.NewTimer(pongTimeout)
	defer pongDeadline.Stop()
	awaitingPong := false

	logger := s.cfg.Logger

	for {
		select {
		case <-ctx.Done():
			s.closeWithReason(conn, &pcsm.CloseError{Reason: pcsm.ReasonServerShutdown})
			return

		case sig := <-sink:
			out, err := c.HandleSignal(ctx, sig)
			if err != nil {
				s.closeWithReason(conn, err)
				return
			}
			if err := s.writeAll(conn, out); err != nil {
				logger.Debug().Err(err).Msg("write failed, closing")
				return
			}

		case fm := <-inbound:
			if fm.err != nil {
				return
			}
			out, err := s.dispatch(ctx, c, fm.data)
			if err != nil {
				s.closeWithReason(conn, err)
				return
			}
			if err := s.writeAll(conn, out); err != nil {
				logger.Debug().Err(err).Msg("write failed, closing")
				return
			}

		case <-pongCh:
			awaitingPong = false
			pongDeadline.Reset(pongTimeout)

		case <-pongDeadline.C:
			if awaitingPong {
				monitoring.PingTimeouts.Inc()
				s.closeWithReason(conn, &pcsm.CloseError{Reason: pcsm.ReasonPongTimeout})
				return
			}

		case <-pingTicker.C:
			// The ping cadence also serves as the proactive
			// broadcast-delta cadence (§4.5): prefer sending a Broadcast
			// message over a raw WS ping frame when one is pending.
			if delta := c.PendingBroadcastDelta(); delta != nil {
				monitoring.BroadcastSubscribersNotified.Inc()
				if err := s.writeAll(conn, []interface{}{delta}); err != nil {
					return
				}
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.CloseHandshakeTimeout))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
			awaitingPong = true
		}
	}
}

// readLoop owns all reads off conn; it classifies WS-protocol pongs
// separately from Text application frames so the main loop never has
// to distinguish frame kinds under select.
func (s *Supervisor) readLoop(conn net.Conn, inbound chan<- frameMsg, pongCh chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			inbound <- frameMsg{err: err}
			return
		}
		switch op {
		case ws.OpText:
			inbound <- frameMsg{data: data}
		case ws.OpPong:
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case ws.OpBinary:
			inbound <- frameMsg{err: fmt.Errorf("binary frames are rejected")}
			return
		case ws.OpClose:
			inbound <- frameMsg{err: fmt.Errorf("client closed")}
			return
		}
	}
}

// dispatch decodes one client Text frame and routes it to the
// matching PCSM handler (§4.4.2).
func (s *Supervisor) dispatch(ctx context.Context, c *pcsm.Connection, data []byte) ([]interface{}, error) {
	var env wireproto.ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed frame"}
	}

	switch env.MessageType {
	case wireproto.TypeHello:
		return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "Already Hello'd"}

	case wireproto.TypeRegister:
		var m wireproto.Register
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed register"}
		}
		reply, err := c.HandleRegister(ctx, m.ChannelID, m.Key, s.cfg.Build)
		if err != nil {
			return nil, err
		}
		monitoring.ClientMessagesTotal.WithLabelValues(wireproto.TypeRegister, statusOutcome(reply.Status)).Inc()
		return []interface{}{reply}, nil

	case wireproto.TypeUnregister:
		var m wireproto.Unregister
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed unregister"}
		}
		reply, err := c.HandleUnregister(ctx, m.ChannelID, m.Code)
		if err != nil {
			return nil, err
		}
		monitoring.ClientMessagesTotal.WithLabelValues(wireproto.TypeUnregister, statusOutcome(reply.Status)).Inc()
		return []interface{}{reply}, nil

	case wireproto.TypeBroadcastSubscribe:
		var m wireproto.BroadcastSubscribe
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed broadcast_subscribe"}
		}
		reply := c.HandleBroadcastSubscribe(broadcastsFromMap(m.Broadcasts))
		if reply == nil {
			return nil, nil
		}
		return []interface{}{reply}, nil

	case wireproto.TypeAck:
		var m wireproto.Ack
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed ack"}
		}
		return c.HandleAck(ctx, m.Updates)

	case wireproto.TypeNack:
		var m wireproto.Nack
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "malformed nack"}
		}
		c.HandleNack(m.Code)
		return nil, nil

	case wireproto.TypePing:
		reply, err := c.HandlePing()
		if err != nil {
			return nil, err
		}
		return []interface{}{reply}, nil

	default:
		return nil, &pcsm.CloseError{Reason: pcsm.ReasonProtocol, Detail: "unknown messageType"}
	}
}

func statusOutcome(status int) string {
	if status == 200 {
		return "ok"
	}
	return "error"
}

func broadcastsFromMap(m map[string]string) []broadcast.Broadcast {
	out := make([]broadcast.Broadcast, 0, len(m))
	for id, version := range m {
		out = append(out, broadcast.Broadcast{BroadcastID: id, Version: version})
	}
	return out
}

// writeAll marshals and writes each server message produced by a PCSM
// call, in order (§5 "server messages are written strictly in the
// order PCSM produces them"). Nil/empty input is a no-op.
func (s *Supervisor) writeAll(conn net.Conn, msgs []interface{}) error {
	if len(msgs) == 0 {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.CloseHandshakeTimeout))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
			return err
		}
	}
	return nil
}

// closeWithReason writes a WebSocket close frame, bounded by
// CloseHandshakeTimeout (§4.5 "Close policy"), conveying reason in the
// close frame payload. It does not wait for the peer's answering close
// frame; Serve closes conn right after.
func (s *Supervisor) closeWithReason(conn net.Conn, err error) {
	reason := "closed"
	if ce, ok := err.(*pcsm.CloseError); ok {
		reason = ce.Error()
	} else if err != nil {
		reason = err.Error()
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.CloseHandshakeTimeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
	wsutil.WriteServerMessage(conn, ws.OpClose, body)
}
