package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
)

// Runner is the assessment entry point the stress test races against admins.
type Runner interface {
	Run(ctx context.Context, disputeID string) error
}

// unexpected reports errors that mean an invariant broke. Rejections under
// contention and driver errors from killed backends are tolerated.
func unexpected(err error) bool {
	return errors.Is(err, dispute.ErrResolutionMissing)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Creator keeps opening disputes for the same order. Only the first may
// succeed; the rest must be rejected as duplicates.
func Creator(ctx context.Context, svc *dispute.Service, params dispute.CreateParams, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		d, err := svc.Create(ctx, params)
		if err == nil {
			existing, gerr := svc.GetByOrder(ctx, params.OrderID)
			if gerr == nil && existing.ID != d.ID {
				return fmt.Errorf("creator: order %s has two disputes %s and %s", params.OrderID, existing.ID, d.ID)
			}
		} else if unexpected(err) {
			return fmt.Errorf("creator: %w", err)
		}
		pause(10, 20)
	}
	return nil
}

// Assessor delivers assessment runs for random disputes, duplicating
// deliveries on purpose.
func Assessor(ctx context.Context, runner Runner, ids []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id := ids[rand.Intn(len(ids))]
		if err := runner.Run(ctx, id); unexpected(err) {
			return fmt.Errorf("assessor %s: %w", id, err)
		}
		pause(15, 30)
	}
	return nil
}

// Admin performs random manual actions that race with the assessor.
func Admin(ctx context.Context, svc *dispute.Service, ids []string, adminID string, stop <-chan struct{}) error {
	actor := dispute.Actor{ID: adminID, Admin: true}
	for !stopped(ctx, stop) {
		id := ids[rand.Intn(len(ids))]
		var err error
		switch rand.Intn(8) {
		case 0:
			_, err = svc.AssignAdmin(ctx, id, actor, adminID)
		case 1:
			_, err = svc.RequestEvidence(ctx, id, actor, "")
		case 2:
			_, err = svc.Escalate(ctx, id, actor, "stress escalation")
		case 3:
			_, err = svc.Resolve(ctx, id, actor, dispute.ResolveParams{
				Decision:     dispute.DecisionPartialRefund,
				RefundAmount: 1,
				Reason:       "stress resolution",
			})
		case 4:
			_, err = svc.AddMessage(ctx, id, actor, "status check")
		case 5:
			_, err = svc.Close(ctx, id, actor, "")
		case 6:
			_, err = svc.Reconcile(ctx, id, actor)
		case 7:
			_, err = svc.Reassess(ctx, id, actor)
		}
		if unexpected(err) {
			return fmt.Errorf("admin %s: %w", id, err)
		}
		pause(20, 40)
	}
	return nil
}

// Party submits evidence as the buyer, which reopens review when evidence
// was requested.
func Party(ctx context.Context, svc *dispute.Service, ids []string, buyerID string, stop <-chan struct{}) error {
	actor := dispute.Actor{ID: buyerID}
	for !stopped(ctx, stop) {
		id := ids[rand.Intn(len(ids))]
		_, err := svc.AddEvidence(ctx, id, actor, dispute.EvidenceParams{
			Type:        "photo",
			URL:         fmt.Sprintf("https://evidence.example/%d.jpg", rand.Int63()),
			Description: "stress evidence",
		})
		if unexpected(err) {
			return fmt.Errorf("party %s: %w", id, err)
		}
		pause(20, 40)
	}
	return nil
}

// Sweeper enforces deadlines with a clock that jumps ahead at random.
func Sweeper(ctx context.Context, svc *dispute.Service, ids []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id := ids[rand.Intn(len(ids))]
		now := time.Now().UTC().Add(time.Duration(rand.Intn(40*24)) * time.Hour)
		if _, err := svc.EnforceDeadlines(ctx, id, now); unexpected(err) {
			return fmt.Errorf("sweeper %s: %w", id, err)
		}
		pause(30, 50)
	}
	return nil
}

// Tamperer tries to rewrite history. The append-only triggers must reject
// every attempt.
func Tamperer(ctx context.Context, pool *pgxpool.Pool, ids []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id := ids[rand.Intn(len(ids))]
		if tag, err := pool.Exec(ctx, `DELETE FROM dispute_timeline WHERE dispute_id=$1 AND seq=1`, id); err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("tamperer: deleted timeline entry of %s", id)
		}
		if tag, err := pool.Exec(ctx, `UPDATE dispute_timeline SET description='rewritten' WHERE dispute_id=$1`, id); err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("tamperer: rewrote timeline of %s", id)
		}
		if tag, err := pool.Exec(ctx, `DELETE FROM disputes WHERE id=$1`, id); err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("tamperer: deleted dispute %s", id)
		}
		pause(100, 100)
	}
	return nil
}
