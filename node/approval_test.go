package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/config"
	"lanshare/control"
)

func TestApprovalPolicies(t *testing.T) {
	req := control.ConnectRequest{PeerID: "a", DisplayName: "Alpha"}
	ctx := context.Background()

	if !newApprovalQueue(config.ApprovalAcceptAll, time.Second, clock.New(), nil).approve(ctx, req) {
		t.Fatalf("accept-all must accept")
	}
	if newApprovalQueue(config.ApprovalRejectAll, time.Second, clock.New(), nil).approve(ctx, req) {
		t.Fatalf("reject-all must reject")
	}
}

func TestPromptApprovalWaitsForDecision(t *testing.T) {
	notified := make(chan PendingApproval, 1)
	queue := newApprovalQueue(config.ApprovalPrompt, time.Minute, clock.New(), func(p PendingApproval) {
		notified <- p
	})

	result := make(chan bool, 1)
	go func() {
		result <- queue.approve(context.Background(), control.ConnectRequest{PeerID: "a", DisplayName: "Alpha"})
	}()

	pending := <-notified
	if pending.PeerID != "a" || pending.DisplayName != "Alpha" {
		t.Fatalf("unexpected pending request %+v", pending)
	}
	if got := queue.list(); len(got) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(got))
	}
	if err := queue.decide("a", true); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if !<-result {
		t.Fatalf("expected approval")
	}

	waitForCondition(t, time.Second, func() bool { return len(queue.list()) == 0 })
	if err := queue.decide("a", true); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("expected no pending approval, got %v", err)
	}
}

func TestPromptApprovalTimesOut(t *testing.T) {
	mock := clock.NewMock()
	queue := newApprovalQueue(config.ApprovalPrompt, 30*time.Second, mock, nil)

	result := make(chan bool, 1)
	go func() {
		result <- queue.approve(context.Background(), control.ConnectRequest{PeerID: "a"})
	}()

	waitForCondition(t, time.Second, func() bool { return len(queue.list()) == 1 })
	mock.Add(30 * time.Second)

	select {
	case accepted := <-result:
		if accepted {
			t.Fatalf("timed out request must be rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("approval did not time out")
	}
}

func TestPromptApprovalStopsOnContextCancel(t *testing.T) {
	queue := newApprovalQueue(config.ApprovalPrompt, time.Minute, clock.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		result <- queue.approve(ctx, control.ConnectRequest{PeerID: "a"})
	}()
	waitForCondition(t, time.Second, func() bool { return len(queue.list()) == 1 })
	cancel()

	if <-result {
		t.Fatalf("cancelled request must be rejected")
	}
}

func TestRepeatedRequestSupersedesEarlier(t *testing.T) {
	queue := newApprovalQueue(config.ApprovalPrompt, time.Minute, clock.New(), nil)

	first := make(chan bool, 1)
	go func() {
		first <- queue.approve(context.Background(), control.ConnectRequest{PeerID: "a", DisplayName: "one"})
	}()
	waitForCondition(t, time.Second, func() bool { return len(queue.list()) == 1 })

	second := make(chan bool, 1)
	go func() {
		second <- queue.approve(context.Background(), control.ConnectRequest{PeerID: "a", DisplayName: "two"})
	}()

	if <-first {
		t.Fatalf("superseded request must be rejected")
	}
	waitForCondition(t, time.Second, func() bool {
		list := queue.list()
		return len(list) == 1 && list[0].DisplayName == "two"
	})
	if err := queue.decide("a", true); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if !<-second {
		t.Fatalf("expected second request to be accepted")
	}
}
