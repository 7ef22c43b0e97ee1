package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	instrumentationName = "github.com/rl1809/inventory-ledger/internal/core/service"
	defaultMaxAttempts  = 3
	conflictBackoff     = 5 * time.Millisecond
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// retryOnConflict reruns fn while it fails with ErrConcurrencyConflict. A
// context bound to an outer transaction gets a single attempt: the conflict
// belongs to the outer transaction and only its owner can restart it.
func retryOnConflict(ctx context.Context, attempts int, log logrus.FieldLogger, fn func(ctx context.Context) error) error {
	if attempts < 1 || port.InTx(ctx) {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		if attempt == attempts {
			break
		}

		log.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": attempts}).WithError(err).Warn("concurrency conflict, restarting transaction")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
	}
	return err
}
