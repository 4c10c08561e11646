package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker runs periodic alert checks in the background. An alert is sent
// when its condition first appears and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	active    map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]bool),
	}
}

// Run checks once, then on every interval. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and sends the alerts that newly fired. It
// returns the snapshot and every alert that is currently firing.
func (c *Checker) Check(ctx context.Context) (*MetricsSnapshot, []Alert) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil, nil
	}

	alerts := c.alerter.Evaluate(snap)
	firing := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.active = firing

	if len(fresh) == 0 {
		zap.L().Debug("monitoring: no new alerts", zap.Int("firing", len(alerts)))
		return snap, alerts
	}
	sent := c.alerter.SendAlerts(ctx, fresh)
	zap.L().Info("monitoring: alert check complete",
		zap.Int("alerts_firing", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return snap, alerts
}
