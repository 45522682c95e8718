// Package notify delivers outage text messages through a bulk-SMS provider.
//
// Delivery is best effort: a Sender reports success or failure as a bool and
// never returns an error, so a provider outage cannot fail the caller.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sender makes one delivery attempt per call.
type Sender interface {
	Send(ctx context.Context, phone, message string) bool
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, phone, message string) bool

func (f SenderFunc) Send(ctx context.Context, phone, message string) bool { return f(ctx, phone, message) }

// Nop drops every message and reports failure.
type Nop struct{}

func (Nop) Send(context.Context, string, string) bool { return false }

// Recipient is one addressee of a fan-out.
type Recipient struct {
	UserID string
	Phone  string
}

// Report aggregates the outcome of a fan-out.
type Report struct {
	Attempted int      `json:"attempted"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	FailedIDs []string `json:"failed_user_ids,omitempty"`
}

// FanOut sends message to every recipient independently. At most concurrency
// sends run at once (1 when concurrency <= 0). A failed or panicking send
// never stops the others.
func FanOut(ctx context.Context, s Sender, recipients []Recipient, message string, concurrency int) Report {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		sent, failed, skipped atomic.Int64
		mu                    sync.Mutex
		failedIDs             []string
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, rc := range recipients {
		if rc.Phone == "" {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if sendOne(ctx, s, rc.Phone, message) {
				sent.Add(1)
				return nil
			}
			failed.Add(1)
			mu.Lock()
			failedIDs = append(failedIDs, rc.UserID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return Report{
		Attempted: int(sent.Load() + failed.Load()),
		Sent:      int(sent.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
		FailedIDs: failedIDs,
	}
}

func sendOne(ctx context.Context, s Sender, phone, message string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.Send(ctx, phone, message)
}
