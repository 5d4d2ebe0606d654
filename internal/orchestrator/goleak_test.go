package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestOrchestratorRunShutdownNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orch := buildTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()

	cancel()
	_ = orch.Shutdown(2 * time.Second)
	<-done
}
