package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
)

// ConnectionSource exposes the state of a supervised broker connection.
type ConnectionSource interface {
	State() rabbitmq.State
	LastError() error
}

// SubscriptionSource lists live subscriptions.
type SubscriptionSource interface {
	Subscriptions() []*rabbitmq.Subscription
}

// BrokerChecker reports the broker connection state. It never dials: a
// supervisor that has not been used yet is reported as degraded.
type BrokerChecker struct {
	source ConnectionSource
}

// NewBrokerChecker creates a new broker connection checker
func NewBrokerChecker(source ConnectionSource) *BrokerChecker {
	return &BrokerChecker{source: source}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	lastErr := c.source.LastError()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}

	switch {
	case state == rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	case state == rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connecting to broker"
	case state == rabbitmq.StateDisconnected && lastErr == nil:
		result.Status = StatusDegraded
		result.Message = "not connected yet"
	case state == rabbitmq.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = "connection supervisor closed"
	default:
		result.Status = StatusUnhealthy
		result.Message = "broker unavailable"
	}

	result.Duration = time.Since(start)
	return result
}

// SubscriptionChecker reports subscriptions that lost their consumer and
// have not been re-established.
type SubscriptionChecker struct {
	source SubscriptionSource
}

// NewSubscriptionChecker creates a new subscription checker
func NewSubscriptionChecker(source SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	subs := c.source.Subscriptions()

	var inactive []string
	for _, sub := range subs {
		if !sub.Active() {
			inactive = append(inactive, sub.Pattern)
		}
	}

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"total":    len(subs),
			"inactive": len(inactive),
		},
	}

	if len(inactive) == 0 {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d subscriptions active", len(subs))
	} else {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d subscriptions inactive", len(inactive), len(subs))
		result.Details["inactive_patterns"] = inactive
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine growth, typically handlers that
// never return.
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"goroutines": goroutines},
	}

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
