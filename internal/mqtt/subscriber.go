package mqtt

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// commandRateLimit caps inbound reading submissions per minute. A
// misfiring HA automation must not be able to hammer the rate-limited
// portal with submissions.
const commandRateLimit = 10

// submitTimeout bounds one command-triggered submission including the
// portal's retry backoff and the follow-up refresh.
const submitTimeout = 5 * time.Minute

// subscribeCommands subscribes to the per-scale command topics. Runs
// on every (re-)connect since the broker drops subscriptions with the
// session.
func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := p.baseTopic() + "/meter/+/+/set"
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "filter", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt command topics subscribed", "filter", filter)
}

// handleCommand processes one inbound MQTT message. Only command
// topics under this bridge's base topic are acted on.
func (p *Publisher) handleCommand(topic string, payload []byte) {
	registration, scaleID, ok := parseCommandTopic(p.baseTopic(), topic)
	if !ok {
		return
	}

	if !p.limiter.allow() {
		p.logger.Warn("reading submission dropped by rate limit",
			"registration", registration, "scale_id", scaleID)
		return
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		p.logger.Warn("ignoring non-numeric reading submission",
			"topic", topic, "payload", string(payload))
		return
	}

	// Submissions run off the MQTT receive path; the portal call can
	// take minutes under backoff.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()

		if err := p.bridge.SubmitReading(ctx, registration, scaleID, value); err != nil {
			p.logger.Error("reading submission failed",
				"registration", registration, "scale_id", scaleID,
				"value", value, "error", err)
			return
		}
		p.logger.Info("reading submitted via mqtt",
			"registration", registration, "scale_id", scaleID, "value", value)
	}()
}

// parseCommandTopic extracts the registration and scale ID from a
// command topic of the form {base}/meter/{registration}/{scale}/set.
func parseCommandTopic(base, topic string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/meter/")
	if !ok {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return "", 0, false
	}
	scaleID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], scaleID, true
}

// commandRateLimiter tracks inbound command rates and drops commands
// when the rate exceeds the threshold. Atomic counters keep the
// receive path lock-free.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the command counter and reports whether the current
// count is within the limit.
func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
