package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.graphrelay.tech/internal/common/metrics"
	"go.graphrelay.tech/internal/gateway"
	"go.graphrelay.tech/internal/retry"
	"go.graphrelay.tech/internal/warning"
)

var (
	// ErrQueueFull is returned when the dispatcher cannot accept an event
	// before the caller's deadline. The caller fails the whole batch so
	// the provider redelivers it.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrNotAccepting is returned when the dispatcher is stopped or draining
	ErrNotAccepting = errors.New("dispatcher not accepting events")
)

const (
	// groupIdleTimeout before a per-subscription worker cleans itself up
	groupIdleTimeout = 5 * time.Minute

	gaugeInterval = 500 * time.Millisecond
)

// DeliveryAttempt tracks an event currently being delivered. Entries are
// removed on success, rejection or retry exhaustion.
type DeliveryAttempt struct {
	EventID        string    `json:"eventId"`
	SubscriptionID string    `json:"subscriptionId"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	FirstAttempt   time.Time `json:"firstAttempt"`
	LastAttempt    time.Time `json:"lastAttempt"`
}

// Config configures the dispatcher
type Config struct {
	// QueueCapacity bounds the total number of queued events
	QueueCapacity int

	// RateLimitPerMinute caps outbound deliveries; 0 disables the limiter
	RateLimitPerMinute int

	// Retry governs per-event redelivery attempts
	Retry retry.Policy

	// DrainTimeout bounds how long Stop waits for in-flight deliveries
	DrainTimeout time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 1000,
		Retry: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Jitter:      0.2,
		},
		DrainTimeout: 20 * time.Second,
	}
}

// Dispatcher fans events out to per-subscription workers so deliveries for
// one subscription stay ordered while subscriptions proceed independently.
type Dispatcher struct {
	consumer Consumer
	warnings warning.Service
	cfg      Config

	running     atomic.Bool
	rateLimiter *rate.Limiter

	// Per-subscription queues, one worker goroutine each
	groupQueues  sync.Map // map[string]chan *gateway.Event
	activeGroups sync.Map // map[string]bool
	totalQueued  atomic.Int32

	// In-flight delivery tracking
	attempts sync.Map // map[string]*DeliveryAttempt

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	drainCh  chan struct{}

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering through the given consumer
func NewDispatcher(consumer Consumer, warnings warning.Service, cfg Config) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig().Retry
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		consumer:    consumer,
		warnings:    warnings,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		drainCh:     make(chan struct{}),
		gaugeCtx:    gaugeCtx,
		gaugeCancel: gaugeCancel,
	}

	if cfg.RateLimitPerMinute > 0 {
		perSecond := float64(cfg.RateLimitPerMinute) / 60.0
		d.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimitPerMinute)
		slog.Info("Created dispatch rate limiter",
			"rateLimitPerMinute", cfg.RateLimitPerMinute)
	}

	return d
}

// Name implements lifecycle.Service
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Start begins accepting events and blocks until the context is cancelled
// or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	d.gaugeWg.Add(1)
	go d.runGaugeUpdater()

	slog.Info("Dispatcher started",
		"queueCapacity", d.cfg.QueueCapacity,
		"maxAttempts", d.cfg.Retry.MaxAttempts)

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	return nil
}

// Stop drains queued events and waits for in-flight deliveries, bounded
// by DrainTimeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.running.Store(false)
	d.stopOnce.Do(func() {
		close(d.stopCh)
		close(d.drainCh)
	})

	d.gaugeCancel()
	d.gaugeWg.Wait()

	slog.Info("Draining dispatcher", "queued", d.totalQueued.Load())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Dispatcher drained")
	case <-time.After(d.cfg.DrainTimeout):
		slog.Warn("Dispatcher drain timed out, abandoning in-flight deliveries",
			"remaining", d.totalQueued.Load())
	case <-ctx.Done():
		slog.Warn("Dispatcher stop cancelled", "error", ctx.Err())
	}

	d.cancel()
	return nil
}

// Health implements lifecycle.Service
func (d *Dispatcher) Health() error {
	if !d.running.Load() {
		return errors.New("dispatcher not running")
	}
	return nil
}

// Submit enqueues an event for delivery. Blocks until there is queue space
// or ctx expires; the gateway bounds this with its accept timeout.
func (d *Dispatcher) Submit(ctx context.Context, evt *gateway.Event) error {
	if !d.running.Load() {
		return ErrNotAccepting
	}
	if evt == nil {
		return errors.New("nil event")
	}

	if int(d.totalQueued.Load()) >= d.cfg.QueueCapacity {
		slog.Debug("Dispatch queue at capacity, rejecting event",
			"eventId", evt.EventID,
			"capacity", d.cfg.QueueCapacity)
		return ErrQueueFull
	}

	groupID := evt.SubscriptionID
	queueIface, created := d.groupQueues.LoadOrStore(groupID, make(chan *gateway.Event, d.cfg.QueueCapacity))
	queue := queueIface.(chan *gateway.Event)

	if created {
		slog.Debug("Created delivery queue for subscription", "subscriptionId", groupID)
	}

	// Restart the worker if it idled out between lookup and send.
	// startGroupWorker claims the group atomically, so concurrent
	// submitters end up with exactly one worker per channel.
	d.startGroupWorker(groupID, queue)

	select {
	case queue <- evt:
		d.totalQueued.Add(1)
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// QueueDepth returns the total number of queued events
func (d *Dispatcher) QueueDepth() int {
	return int(d.totalQueued.Load())
}

// InFlight returns the delivery attempts currently being tracked
func (d *Dispatcher) InFlight() []DeliveryAttempt {
	var result []DeliveryAttempt
	d.attempts.Range(func(_, v interface{}) bool {
		result = append(result, *v.(*DeliveryAttempt))
		return true
	})
	return result
}

// startGroupWorker starts a delivery worker for the group unless one is
// already active. The LoadOrStore claim is the only place a worker is
// started, so two racing callers cannot both spawn one.
func (d *Dispatcher) startGroupWorker(groupID string, queue chan *gateway.Event) {
	if _, active := d.activeGroups.LoadOrStore(groupID, true); active {
		return
	}
	d.wg.Add(1)
	go d.runGroupWorker(groupID, queue)
}

// runGroupWorker delivers events for one subscription in arrival order
func (d *Dispatcher) runGroupWorker(groupID string, queue chan *gateway.Event) {
	defer d.wg.Done()
	defer d.activeGroups.Delete(groupID)

	timer := time.NewTimer(groupIdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case evt := <-queue:
			if evt == nil {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(groupIdleTimeout)

			d.totalQueued.Add(-1)
			d.deliverWithRetry(evt)

		case <-timer.C:
			if len(queue) == 0 {
				slog.Debug("Delivery worker idle, cleaning up", "subscriptionId", groupID)
				d.groupQueues.Delete(groupID)
				return
			}
			timer.Reset(groupIdleTimeout)

		case <-d.drainCh:
			// Finish what is queued, then exit
			for {
				select {
				case evt := <-queue:
					if evt == nil {
						continue
					}
					d.totalQueued.Add(-1)
					d.deliverWithRetry(evt)
				case <-d.ctx.Done():
					return
				default:
					return
				}
			}
		}
	}
}

// deliverWithRetry delivers one event, retrying transient failures
func (d *Dispatcher) deliverWithRetry(evt *gateway.Event) {
	tracked := &DeliveryAttempt{
		EventID:        evt.EventID,
		SubscriptionID: evt.SubscriptionID,
		FirstAttempt:   time.Now().UTC(),
	}
	d.attempts.Store(evt.EventID, tracked)
	defer d.attempts.Delete(evt.EventID)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during event delivery",
				"eventId", evt.EventID,
				"panic", r)
			metrics.DispatchEventsDelivered.WithLabelValues("failed").Inc()
		}
	}()

	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		if !d.waitForRateLimit() {
			metrics.DispatchEventsDelivered.WithLabelValues("failed").Inc()
			return
		}

		tracked.Attempts = attempt
		tracked.LastAttempt = time.Now().UTC()

		outcome := d.consumer.Deliver(d.ctx, evt)

		switch {
		case outcome.Result == DeliverySuccess:
			slog.Info("Event delivered",
				"eventId", evt.EventID,
				"subscriptionId", evt.SubscriptionID,
				"attempts", attempt)
			metrics.DispatchEventsDelivered.WithLabelValues("success").Inc()
			return

		case outcome.Result == DeliveryRejected:
			slog.Warn("Event rejected by consumer, dropping",
				"eventId", evt.EventID,
				"statusCode", outcome.StatusCode,
				"error", outcome.Err)
			metrics.DispatchEventsDelivered.WithLabelValues("dropped").Inc()
			d.warnings.Raise(warning.CategoryDelivery, warning.SeverityWarning,
				deliveryRejectedMessage(evt, outcome), "dispatcher")
			return

		default:
			if outcome.Err != nil {
				tracked.LastError = outcome.Err.Error()
			} else {
				tracked.LastError = string(outcome.Result)
			}

			if attempt == d.cfg.Retry.MaxAttempts {
				break
			}

			metrics.DispatchRetries.Inc()
			delay := d.cfg.Retry.Delay(attempt)
			if outcome.Delay != nil {
				delay = *outcome.Delay
			}
			slog.Warn("Delivery failed, retrying",
				"eventId", evt.EventID,
				"attempt", attempt,
				"statusCode", outcome.StatusCode,
				"delay", delay,
				"error", outcome.Err)

			select {
			case <-time.After(delay):
			case <-d.ctx.Done():
				slog.Warn("Shutdown during delivery retry, abandoning event",
					"eventId", evt.EventID)
				metrics.DispatchEventsDelivered.WithLabelValues("failed").Inc()
				return
			}
		}
	}

	slog.Error("Delivery attempts exhausted, dropping event",
		"eventId", evt.EventID,
		"subscriptionId", evt.SubscriptionID,
		"attempts", d.cfg.Retry.MaxAttempts,
		"lastError", tracked.LastError)
	metrics.DispatchEventsDelivered.WithLabelValues("failed").Inc()
	d.warnings.Raise(warning.CategoryDelivery, warning.SeverityError,
		deliveryExhaustedMessage(evt, tracked), "dispatcher")
}

// waitForRateLimit blocks until a delivery token is available. Returns
// false when the dispatcher shut down while waiting.
func (d *Dispatcher) waitForRateLimit() bool {
	if d.rateLimiter == nil {
		return true
	}
	if d.rateLimiter.Allow() {
		return true
	}
	metrics.DispatchRateLimitWaits.Inc()
	if err := d.rateLimiter.Wait(d.ctx); err != nil {
		return false
	}
	return true
}

func (d *Dispatcher) runGaugeUpdater() {
	defer d.gaugeWg.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	d.updateGauges()

	for {
		select {
		case <-d.gaugeCtx.Done():
			return
		case <-ticker.C:
			d.updateGauges()
		}
	}
}

func (d *Dispatcher) updateGauges() {
	metrics.DispatchQueueDepth.Set(float64(d.totalQueued.Load()))
	metrics.DispatchActiveGroups.Set(float64(d.countActiveGroups()))
}

func (d *Dispatcher) countActiveGroups() int {
	count := 0
	d.activeGroups.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func deliveryRejectedMessage(evt *gateway.Event, outcome *DeliveryOutcome) string {
	return fmt.Sprintf("consumer rejected event %s with status %d", evt.EventID, outcome.StatusCode)
}

func deliveryExhaustedMessage(evt *gateway.Event, tracked *DeliveryAttempt) string {
	msg := fmt.Sprintf("delivery exhausted for event %s after %d attempts", evt.EventID, tracked.Attempts)
	if tracked.LastError != "" {
		msg += ": " + tracked.LastError
	}
	return msg
}
