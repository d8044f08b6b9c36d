// Package collector exports Lightstreamer telemetry feeds as prometheus
// metrics.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/clambin/lightstream/lightstreamer"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = &Collector{}

// Collector subscribes to the configured feeds and exposes the latest value
// of each field as a gauge.
type Collector struct {
	session   *lightstreamer.Session
	logger    *slog.Logger
	telemetry *prometheus.GaugeVec
}

// New subscribes to every feed in cfg on an established session.
func New(ctx context.Context, session *lightstreamer.Session, cfg Config, logger *slog.Logger) (*Collector, error) {
	c := Collector{
		session: session,
		logger:  logger,
		telemetry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "value",
			Help:      "last value received for a feed field",
		}, []string{"group", "field"}),
	}
	for _, feed := range cfg.Feeds {
		if err := c.subscribe(ctx, feed); err != nil {
			return nil, fmt.Errorf("subscribe(%s): %w", feed.Group, err)
		}
	}
	return &c, nil
}

func (c *Collector) subscribe(ctx context.Context, feed Feed) error {
	logger := c.logger.With("group", feed.Group)
	_, err := c.session.Subscribe(ctx, lightstreamer.SubscriptionSpec{
		Group:    feed.Group,
		Schema:   feed.Fields,
		Mode:     lightstreamer.Merge,
		Snapshot: true,
	}, lightstreamer.ListenerFuncs{
		Update: func(update lightstreamer.Update) {
			for i, field := range feed.Fields {
				if !update.Changed[i] && !update.Snapshot {
					continue
				}
				raw, ok := update.Values.Get(i)
				if !ok {
					continue
				}
				value, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					logger.Warn("not a number", "field", field, "value", raw)
					continue
				}
				c.telemetry.WithLabelValues(feed.Group, field).Set(value)
				logger.Debug("update processed", "field", field, "value", value)
			}
		},
		SubscriptionError: func(code int, message string) {
			logger.Error("subscription failed", "code", code, "message", message)
		},
		SessionEnd: func(reason error) {
			logger.Warn("session ended", "reason", reason)
		},
	})
	return err
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.telemetry.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.telemetry.Collect(ch)
}
