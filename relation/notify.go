package relation

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/kasuganosora/friendgraph/cache"
	"go.uber.org/zap"
)

// Notifier is told about every accepted transition after it commits.
// Delivery is best effort and never changes the Result.
type Notifier interface {
	Notify(ctx context.Context, res Result)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Result) {}

// Notification is the payload delivered to an account's channel.
type Notification struct {
	Type Outcome `json:"type"`
	From int64   `json:"from"`
	At   int64   `json:"at"`
}

// Channel is the pub/sub channel carrying notifications for accountID.
func Channel(accountID int64) string {
	return "relation:" + strconv.FormatInt(accountID, 10)
}

// PubSubNotifier publishes notifications to the affected accounts'
// channels. Bans, unbans, unfollows and no-ops are not announced.
type PubSubNotifier struct {
	ps     cache.PubSub
	logger *zap.Logger
}

// NewPubSubNotifier creates a PubSubNotifier.
func NewPubSubNotifier(ps cache.PubSub, logger *zap.Logger) *PubSubNotifier {
	return &PubSubNotifier{ps: ps, logger: logger}
}

func (n *PubSubNotifier) Notify(ctx context.Context, res Result) {
	var recipients []int64
	switch res.Outcome {
	case Followed, Unfriended:
		recipients = []int64{res.Target}
	case BecameFriends:
		recipients = []int64{res.Target, res.Me}
	default:
		return
	}

	at := time.Now().Unix()
	for _, to := range recipients {
		from := res.Me
		if to == res.Me {
			from = res.Target
		}
		payload, err := json.Marshal(Notification{Type: res.Outcome, From: from, At: at})
		if err != nil {
			continue
		}
		if err := n.ps.Publish(ctx, Channel(to), string(payload)); err != nil {
			n.logger.Warn("relation notify failed",
				zap.Int64("to", to), zap.String("type", string(res.Outcome)), zap.Error(err))
		}
	}
}

const metricsKey = "relation:results"

// Metrics counts request results by outcome or rejection in the shared
// cache, so every instance contributes to the same totals.
type Metrics struct {
	c      cache.Cache
	logger *zap.Logger
}

// NewMetrics creates a Metrics recorder.
func NewMetrics(c cache.Cache, logger *zap.Logger) *Metrics {
	return &Metrics{c: c, logger: logger}
}

// Record counts res. Failures are logged and otherwise ignored.
func (m *Metrics) Record(ctx context.Context, res Result) {
	field := string(res.Outcome)
	if !res.OK() {
		field = string(res.Rejection)
	}
	if _, err := m.c.HIncrBy(ctx, metricsKey, field, 1); err != nil {
		m.logger.Debug("relation metrics update failed", zap.Error(err))
	}
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := m.c.HGetAll(ctx, metricsKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
