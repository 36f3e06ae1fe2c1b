package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/store"
)

type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) Recover(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestManager_RecoverAll_Success(t *testing.T) {
	manager := NewManager()
	mock1 := &mockRecoverable{}
	mock2 := &mockRecoverable{}
	manager.Register("mock1", mock1)
	manager.Register("mock2", mock2)

	if manager.Len() != 2 {
		t.Fatalf("Expected 2 components, got %d", manager.Len())
	}
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("Expected every component to be recovered")
	}
}

func TestManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewManager()
	mock1 := &mockRecoverable{recoverError: errors.New("recovery failed")}
	mock2 := &mockRecoverable{}
	manager.Register("mock1", mock1)
	manager.Register("mock2", mock2)

	if err := manager.RecoverAll(context.Background()); err == nil {
		t.Error("Expected error from RecoverAll when components fail")
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestManager_RecoverAll_Cancelled(t *testing.T) {
	manager := NewManager()
	mock := &mockRecoverable{}
	manager.Register("mock", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if mock.recoverCalled {
		t.Error("Expected no recovery after cancellation")
	}
}

func TestRecoverFunc_RequeuesStaleOutbox(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	if _, err := st.EnqueueOutboxMessage(ctx, "+15550001", "twilio", "hello", "k1"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	claimed, err := st.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Expected one claimed message, got %d (err %v)", len(claimed), err)
	}

	sender := store.NewOutboxSender(st, func(context.Context, store.OutboxMessage) error { return nil }, time.Second)
	manager := NewManager()
	manager.Register("outbox", RecoverFunc(func(ctx context.Context) error {
		_, err := st.RequeueStaleSendingMessages(ctx, time.Now().Add(2*time.Minute))
		return err
	}))
	manager.Register("outbox-sender", RecoverFunc(sender.RecoverStaleMessages))
	if err := manager.RecoverAll(ctx); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}

	again, err := st.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(again) != 1 {
		t.Errorf("Expected the stale message to be claimable again, got %d (err %v)", len(again), err)
	}
}
