package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconcile-engine/ledger"
	"github.com/warp/reconcile-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	engine *ledger.Engine
	now    time.Time

	invoices []string
	users    map[ledger.UserID]bool
}

// newFixture builds an engine over an in-memory store. The clock advances one
// second per unit of work so creation order is unambiguous.
func newFixture(t *testing.T, configure ...func(*ledger.Config)) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := ledger.DefaultConfig()
	for _, c := range configure {
		c(&cfg)
	}

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		now:   time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC),
		users: make(map[ledger.UserID]bool),
	}
	f.engine = ledger.NewEngine(store, cfg, zerolog.Nop())
	f.engine.Clock = func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}
	return f
}

func noAutoApply(c *ledger.Config) { c.AutoApplyProvisions = false }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, what, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "%s: want %s, got %s", what, want, got)
}

// =============================================================================
// BUILDERS
// =============================================================================

func (f *fixture) invoice(user ledger.UserID, number, amount string, regs ...ledger.RegistrationID) *ledger.Invoice {
	f.t.Helper()
	inv, err := f.engine.CreateInvoice(f.ctx, ledger.NewInvoice{
		UserID:          user,
		InvoiceNumber:   number,
		Communication:   "+++" + number + "+++",
		Amount:          dec(amount),
		RegistrationIDs: regs,
	})
	require.NoError(f.t, err)
	f.invoices = append(f.invoices, inv.InvoiceNumber)
	f.users[user] = true
	return inv
}

func (f *fixture) pay(communication, amount string) *ledger.BankTransaction {
	f.t.Helper()
	tx, err := f.engine.ImportTransaction(f.ctx, ledger.NewTransaction{
		TransactionDate: f.now,
		Amount:          dec(amount),
		Communication:   communication,
		RawFilePath:     "statement.csv",
		ImportBatchID:   "batch-1",
	})
	require.NoError(f.t, err)
	return tx
}

// payInvoice pays using the structured communication printed on the invoice.
func (f *fixture) payInvoice(number, amount string) *ledger.BankTransaction {
	return f.pay("+++"+number+"+++", amount)
}

func (f *fixture) registration(user ledger.UserID, price string, session ledger.SessionID) *ledger.Registration {
	f.t.Helper()
	reg, err := f.engine.AddRegistration(f.ctx, ledger.NewRegistration{
		UserID:     user,
		KidID:      "kid-" + string(user),
		SessionID:  session,
		ActivityID: "activity-1",
		Price:      dec(price),
	})
	require.NoError(f.t, err)
	f.users[user] = true
	return reg
}

func (f *fixture) session(id ledger.SessionID) {
	f.t.Helper()
	require.NoError(f.t, f.engine.SaveSession(f.ctx, ledger.Session{ID: id, Name: string(id), Capacity: 20}))
}

func (f *fixture) grant(user ledger.UserID, amount string) *ledger.UserProvision {
	f.t.Helper()
	p, err := f.engine.GrantProvision(f.ctx, user, dec(amount), "goodwill")
	require.NoError(f.t, err)
	f.users[user] = true
	return p
}

func (f *fixture) summary(number string) *ledger.PaymentSummary {
	f.t.Helper()
	s, err := f.engine.GetInvoicePaymentSummary(f.ctx, number)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) reg(id ledger.RegistrationID) *ledger.Registration {
	f.t.Helper()
	r, err := f.store.GetRegistration(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, r)
	return r
}

func (f *fixture) provisions(user ledger.UserID) []ledger.UserProvision {
	f.t.Helper()
	ps, err := f.engine.ListUserProvisions(f.ctx, user)
	require.NoError(f.t, err)
	return ps
}

// =============================================================================
// INVARIANTS
// =============================================================================

// checkInvariants asserts the ledger-wide properties after any operation:
// the payment cache matches its rows, credits never exceed the amount, and
// every provision conserves money.
func (f *fixture) checkInvariants() {
	f.t.Helper()

	for _, number := range f.invoices {
		s := f.summary(number)
		assert.True(f.t, s.CacheInSync, "invoice %s cache %s, rows %s",
			number, s.Invoice.TotalPayments, s.TotalPayments)
		assert.True(f.t, s.TotalCredits.LessThanOrEqual(s.Invoice.Amount),
			"invoice %s credited %s above amount %s", number, s.TotalCredits, s.Invoice.Amount)
	}

	for user := range f.users {
		for _, p := range f.provisions(user) {
			apps, err := f.store.ListApplicationsByProvision(f.ctx, p.ID)
			require.NoError(f.t, err)
			applied := decimal.Zero
			for _, a := range apps {
				applied = applied.Add(a.Amount)
			}
			spent := p.AmountInitial.Sub(p.AmountRemaining)
			assert.True(f.t, spent.Equal(applied.Add(p.AmountReversed).Add(p.AmountRefunded)),
				"provision %s: initial-remaining %s != applied %s + reversed %s + refunded %s",
				p.ID, spent, applied, p.AmountReversed, p.AmountRefunded)
			assert.False(f.t, p.AmountRemaining.IsNegative(), "provision %s remaining negative", p.ID)
		}
	}
}
