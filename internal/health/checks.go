package health

import (
	"context"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/ami"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
)

// AMIConnected reports the AMI manager's connection as a liveness check:
// the agent can't do anything useful (recording tracking, reconnect
// handling) without a live AMI session.
func AMIConnected(mgr *ami.Manager) CheckFunc {
	return func(ctx context.Context) error {
		if !mgr.IsConnected() || !mgr.IsLoggedIn() {
			return errors.New(errors.ErrAMIConnection, "AMI session is not connected")
		}
		return nil
	}
}

// SourcePingable wraps a source reader's HealthCheck as a readiness check —
// the agent should report not-ready if its CDR/CEL source is unreachable,
// even though it stays alive and keeps retrying.
func SourcePingable(check func(ctx context.Context) error) CheckFunc {
	return CheckFunc(check)
}

// QueueNotSaturated reports a readiness failure once the shipment queue
// depth crosses the given threshold, so an orchestrator can stop routing
// new work to an instance that is falling behind.
func QueueNotSaturated(depth func() int, capacity int) CheckFunc {
	return func(ctx context.Context) error {
		if depth() >= capacity {
			return errors.New(errors.ErrShipFailed, "shipment queue is at capacity")
		}
		return nil
	}
}
