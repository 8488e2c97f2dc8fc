package rabbitmq

import (
	"testing"
	"time"
)

func TestDelayQueueName_DistinguishesSubSecondDelays(t *testing.T) {
	a := DelayQueueName("settlement.execute", 1200*time.Millisecond)
	b := DelayQueueName("settlement.execute", 1500*time.Millisecond)
	if a == b {
		t.Fatalf("expected distinct holding queues, both were %s", a)
	}
	if got := DelayQueueName("settlement.execute", time.Minute); got != "settlement.execute.delay.60000ms" {
		t.Fatalf("unexpected queue name %s", got)
	}
}
