/*
provisions.go - Applying and refunding user credit

PURPOSE:
  A UserProvision is a credit balance owned by a user. The applier spends
  active provisions against the same user's pending invoices; the refund
  helpers pay the remainder back out instead.

ALLOCATION:
  Greedy two-pointer, FIFO on both sides:

    provisions (oldest first)   invoices (oldest first)
    P1 remaining 40   ───────▶  I1 due 100   apply 40, P1 exhausted
    P2 remaining 80   ───────▶  I1 due  60   apply 60, I1 covered
                      ───────▶  I2 due  50   apply 20, P2 exhausted

  Deterministic given creation timestamps. Each step writes one
  ProvisionApplication and then asks the Reconciler to recompute the
  invoice. The applier never writes invoice fields itself.

RELEASE:
  Cancelling an invoice gives applied credit back as a negative
  application against the same provision.

CONSERVATION:
  amount_initial - amount_remaining == Σ applications + reversed + refunded
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type ProvisionApplier struct {
	log        zerolog.Logger
	reconciler *Reconciler
}

// ApplyResult summarizes one apply_provisions run.
type ApplyResult struct {
	TotalApplied    decimal.Decimal
	InvoicesTouched []InvoiceID
}

func (a *ProvisionApplier) apply(ctx context.Context, u *unit, userID UserID) (ApplyResult, error) {
	result := ApplyResult{TotalApplied: decimal.Zero}

	release, ok := u.fence.Enter(OpApplyProvisions)
	if !ok {
		return result, nil
	}
	defer release()

	all, err := u.store.ListProvisionsByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("list provisions: %w", err)
	}
	var provisions []UserProvision
	for _, p := range all {
		if p.Status.Active() && p.AmountRemaining.IsPositive() {
			provisions = append(provisions, p)
		}
	}
	if len(provisions) == 0 {
		return result, nil
	}

	invoices, err := u.store.ListPendingInvoicesByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("list pending invoices: %w", err)
	}

	touched := make(map[InvoiceID]bool)
	i, j := 0, 0
	var due decimal.Decimal
	dueLoaded := false

	for i < len(provisions) && j < len(invoices) {
		p := &provisions[i]
		inv := invoices[j]

		if !dueLoaded {
			// Due is derived from the rows, not the cached total, so a
			// stale cache cannot make the allocator over-apply.
			bal, err := loadBalance(ctx, u.store, inv.ID)
			if err != nil {
				return result, err
			}
			due = bal.NetDue(inv.Amount).Sub(bal.TotalPayments())
			dueLoaded = true
		}
		if !due.IsPositive() {
			j++
			dueLoaded = false
			continue
		}

		amount := decimal.Min(p.AmountRemaining, due)
		app := ProvisionApplication{
			ID:          ApplicationID(newID()),
			ProvisionID: p.ID,
			InvoiceID:   inv.ID,
			Amount:      amount,
			CreatedAt:   u.now,
		}
		if err := u.store.InsertApplication(ctx, app); err != nil {
			return result, fmt.Errorf("insert provision application: %w", err)
		}

		p.AmountRemaining = p.AmountRemaining.Sub(amount)
		p.settle()
		p.UpdatedAt = u.now
		if err := u.store.UpdateProvision(ctx, *p); err != nil {
			return result, fmt.Errorf("update provision: %w", err)
		}

		if err := a.reconciler.reconcile(ctx, u, inv.ID, ""); err != nil {
			return result, err
		}

		a.log.Info().
			Str("provision", string(p.ID)).
			Str("invoice", inv.InvoiceNumber).
			Str("amount", amount.String()).
			Msg("provision applied")

		result.TotalApplied = result.TotalApplied.Add(amount)
		if !touched[inv.ID] {
			touched[inv.ID] = true
			result.InvoicesTouched = append(result.InvoicesTouched, inv.ID)
		}

		due = due.Sub(amount)
		if !p.AmountRemaining.IsPositive() {
			i++
		}
	}
	return result, nil
}

// release gives back up to amount of the credit applied to an invoice,
// newest application first. Each give-back is a negative application, so
// the conservation identity keeps holding. The caller reconciles.
func (a *ProvisionApplier) release(ctx context.Context, u *unit, inv *Invoice, amount decimal.Decimal) (decimal.Decimal, error) {
	released := decimal.Zero
	if !amount.IsPositive() {
		return released, nil
	}

	apps, err := u.store.ListApplicationsByInvoice(ctx, inv.ID)
	if err != nil {
		return released, fmt.Errorf("list provision applications: %w", err)
	}
	var order []ProvisionID
	net := make(map[ProvisionID]decimal.Decimal)
	for _, app := range apps {
		if _, seen := net[app.ProvisionID]; !seen {
			order = append(order, app.ProvisionID)
			net[app.ProvisionID] = decimal.Zero
		}
		net[app.ProvisionID] = net[app.ProvisionID].Add(app.Amount)
	}

	for i := len(order) - 1; i >= 0 && released.LessThan(amount); i-- {
		id := order[i]
		if !net[id].IsPositive() {
			continue
		}
		give := decimal.Min(net[id], amount.Sub(released))

		p, err := loadProvision(ctx, u.store, id)
		if err != nil {
			return released, err
		}
		app := ProvisionApplication{
			ID:          ApplicationID(newID()),
			ProvisionID: id,
			InvoiceID:   inv.ID,
			Amount:      give.Neg(),
			CreatedAt:   u.now,
		}
		if err := u.store.InsertApplication(ctx, app); err != nil {
			return released, fmt.Errorf("insert provision release: %w", err)
		}
		p.AmountRemaining = p.AmountRemaining.Add(give)
		p.settle()
		p.UpdatedAt = u.now
		if err := u.store.UpdateProvision(ctx, *p); err != nil {
			return released, fmt.Errorf("update provision: %w", err)
		}
		released = released.Add(give)

		a.log.Info().
			Str("provision", string(id)).
			Str("invoice", inv.InvoiceNumber).
			Str("amount", give.String()).
			Msg("provision released")
	}
	return released, nil
}

// =============================================================================
// PROVISION LIFECYCLE
// =============================================================================

func loadProvision(ctx context.Context, s ProvisionStore, id ProvisionID) (*UserProvision, error) {
	p, err := s.GetProvision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load provision: %w", err)
	}
	if p == nil {
		return nil, notFound("provision", string(id))
	}
	return p, nil
}

// requestRefund freezes the remainder for payout. Applied amounts stay applied.
func requestRefund(ctx context.Context, u *unit, id ProvisionID) (*UserProvision, error) {
	p, err := loadProvision(ctx, u.store, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Active() || !p.AmountRemaining.IsPositive() {
		return nil, &InvalidStateError{Kind: "provision", ID: string(id), State: string(p.Status), Op: "request refund of"}
	}
	p.Status = ProvisionRefundRequested
	p.UpdatedAt = u.now
	if err := u.store.UpdateProvision(ctx, *p); err != nil {
		return nil, fmt.Errorf("update provision: %w", err)
	}
	return p, nil
}

func markRefunded(ctx context.Context, u *unit, id ProvisionID) (*UserProvision, error) {
	p, err := loadProvision(ctx, u.store, id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProvisionRefundRequested {
		return nil, &InvalidStateError{Kind: "provision", ID: string(id), State: string(p.Status), Op: "mark refunded"}
	}
	p.AmountRefunded = p.AmountRefunded.Add(p.AmountRemaining)
	p.AmountRemaining = decimal.Zero
	p.Status = ProvisionRefunded
	p.UpdatedAt = u.now
	if err := u.store.UpdateProvision(ctx, *p); err != nil {
		return nil, fmt.Errorf("update provision: %w", err)
	}
	return p, nil
}
