package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// apiResponse is the wire shape of the broadcast source's GET (§6
// "Broadcast source (internal HTTP out)").
type apiResponse struct {
	Broadcasts map[string]string `json:"broadcasts"`
}

// PollerConfig configures the background refresh.
type PollerConfig struct {
	URL      string
	Token    string
	Interval time.Duration

	// NATSURL and NATSSubject, when set, subscribe to an off-cycle
	// refresh hint: a message on this subject wakes the poller early
	// instead of waiting out the full Interval. This never replaces the
	// HTTP GET as the source of truth — the hint only changes when the
	// next GET happens, per §4.1 "failure semantics" (BCT refresh stays
	// poll-and-retry, never client-pushed).
	NATSURL     string
	NATSSubject string
}

// Poller is the background task described in §9 "Background broadcast
// poller": its own timer, `BCT.add_or_update` under the BCT's own
// writer discipline, no direct interaction with connection tasks.
type Poller struct {
	cfg     PollerConfig
	tracker *Tracker
	logger  zerolog.Logger
	client  *http.Client

	wake chan struct{}
	nc   *nats.Conn
}

func NewPoller(cfg PollerConfig, tracker *Tracker, logger zerolog.Logger) *Poller {
	return &Poller{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		wake:    make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled. Each poll that fails is retried
// with exponential backoff (§4.1 "failure semantics": logged and
// retried, never surfaced to the client protocol); a poll that
// succeeds resets the backoff and waits out the configured Interval
// (or an early wake from the NATS hint, if configured).
func (p *Poller) Run(ctx context.Context) {
	if p.cfg.NATSURL != "" {
		p.connectNATSHint(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = p.cfg.Interval
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.pollOnce(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("broadcast poll failed")
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			p.sleep(ctx, wait)
			continue
		}
		b.Reset()
		p.sleep(ctx, p.cfg.Interval)
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-p.wake:
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broadcast source returned %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	for id, version := range body.Broadcasts {
		p.tracker.AddOrUpdate(id, version)
	}
	return nil
}

func (p *Poller) connectNATSHint(ctx context.Context) {
	nc, err := nats.Connect(p.cfg.NATSURL)
	if err != nil {
		p.logger.Warn().Err(err).Msg("broadcast hint: nats connect failed, polling on interval only")
		return
	}
	p.nc = nc

	sub, err := nc.Subscribe(p.cfg.NATSSubject, func(*nats.Msg) {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("broadcast hint: nats subscribe failed")
		nc.Close()
		p.nc = nil
		return
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		nc.Close()
	}()
}
