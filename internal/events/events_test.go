package events

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failing struct{ calls int }

func (f *failing) Publish(context.Context, Event) error { f.calls++; return errors.New("broker down") }
func (f *failing) Close() error                         { return nil }

func TestEmitLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := &failing{}
	Emit(context.Background(), p, zap.New(core), Event{Type: TypeTradeExecuted, UserID: "u1"})
	if p.calls != 1 {
		t.Fatalf("expected one publish, got %d", p.calls)
	}
	if logs.FilterMessage("event publish failed").Len() != 1 {
		t.Fatal("expected a warning for the failed publish")
	}
}

func TestEmitNilPublisher(t *testing.T) {
	Emit(context.Background(), nil, nil, Event{Type: TypeTradeExecuted})
	if err := (Noop{}).Publish(context.Background(), Event{}); err != nil {
		t.Fatal(err)
	}
}
