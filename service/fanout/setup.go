package fanout

import (
	"context"
	"net/url"
	"strings"
	"time"

	"SignGate/logger"
	"SignGate/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configure adapter selection at startup.
type Options struct {
	Enabled        bool
	URL            string
	Prefix         string
	Origin         string // this node's id, stamped on every envelope
	ConnectTimeout time.Duration
	Retries        int
	RetryBackoff   time.Duration
	HealthInterval time.Duration
	Deliverer      Deliverer
	Logger         *zap.Logger
}

type dialFunc func(ctx context.Context, o Options, h MessageHandler) (Bus, error)

var dialers = map[string]dialFunc{
	"redis":  dialRedis,
	"rediss": dialRedis,
	"nats":   dialNATS,
	"kafka":  dialKafka,
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.Prefix == "" {
		o.Prefix = "signage"
	}
	o.Logger = logger.Or(o.Logger)
}

// Setup picks the adapter once. A disabled adapter or an unreachable backend
// yields Local; the gateway keeps serving either way.
func Setup(ctx context.Context, o Options) Adapter {
	o.defaults()
	log := o.Logger

	if !o.Enabled {
		log.Info("fan-out adapter disabled, using local delivery")
		return NewLocal(o.Deliverer)
	}

	scheme := ""
	if u, err := url.Parse(o.URL); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}
	dial, ok := dialers[scheme]
	if !ok {
		log.Error("fan-out adapter scheme not supported, using local delivery",
			zap.String("url", redactURL(o.URL)), zap.String("scheme", scheme))
		return NewLocal(o.Deliverer)
	}

	d := newDistributed(o.Deliverer, o.Origin, log)
	var lastErr error
	for attempt := 1; attempt <= o.Retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
		bus, err := dial(actx, o, d.onMessage)
		cancel()
		if err == nil {
			d.bus = bus
			log.Info("fan-out adapter attached",
				zap.String("backend", scheme), zap.String("url", redactURL(o.URL)), zap.Int("attempt", attempt))
			return d
		}
		lastErr = err
		log.Warn("fan-out backend connect attempt failed",
			zap.String("backend", scheme), zap.Int("attempt", attempt), zap.Int("of", o.Retries), zap.Error(err))

		if attempt == o.Retries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = o.Retries
		case <-time.After(o.RetryBackoff * time.Duration(attempt)):
		}
	}

	log.Error("fan-out backend unavailable, falling back to local delivery",
		zap.String("backend", scheme),
		zap.Error(errs.ErrBackendUnavailable.WrapMsg("connect failed", "url", redactURL(o.URL), "cause", errString(lastErr))))
	return NewLocal(o.Deliverer)
}

// RedisClient returns the redis connection behind a distributed adapter, if any.
func RedisClient(a Adapter) (*redis.Client, bool) {
	d, ok := a.(*Distributed)
	if !ok {
		return nil, false
	}
	rb, ok := d.bus.(*redisBus)
	if !ok {
		return nil, false
	}
	return rb.Client(), true
}

func dialBudget(ctx context.Context, d time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
