package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestLedger(t *testing.T, bonus int64) (*Memory, *User) {
	t.Helper()
	led := NewMemory(Options{WelcomeBonus: bonus})
	user, err := led.GetOrCreateUser(context.Background(), 42, Profile{Username: "student"})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	return led, user
}

// journalSum re-derives the balance from the journal.
func journalSum(t *testing.T, led *Memory, user *User) int64 {
	t.Helper()
	rows, err := led.History(context.Background(), user, 1_000_000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sum int64
	for _, txn := range rows {
		if txn.Amount == 0 {
			t.Fatalf("journal row %d has zero amount", txn.ID)
		}
		sum += txn.Amount
	}
	return sum
}

func TestParseReason(t *testing.T) {
	for _, raw := range []string{"welcome_bonus", "admin_credit", "purchase_credit", "refund_credit", "correction_debit"} {
		if _, err := ParseReason(raw); err != nil {
			t.Fatalf("ParseReason(%q): %v", raw, err)
		}
	}
	if _, err := ParseReason("free_money"); err == nil {
		t.Fatal("expected error for unknown reason")
	}
	if _, err := ParseReason(""); err == nil {
		t.Fatal("expected error for empty reason")
	}
}

func TestGetOrCreateUser(t *testing.T) {
	led := NewMemory(Options{WelcomeBonus: 100})
	ctx := context.Background()

	first, err := led.GetOrCreateUser(ctx, 7, Profile{Username: "old"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Balance != 0 {
		t.Fatalf("new user balance = %d, want 0 before bonus", first.Balance)
	}

	again, err := led.GetOrCreateUser(ctx, 7, Profile{Username: "new", FirstName: "Ada"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same user, got ids %d and %d", first.ID, again.ID)
	}
	if again.Username != "new" || again.FirstName != "Ada" {
		t.Fatalf("profile not refreshed: %+v", again)
	}
}

func TestEnsureInitialBonusOnce(t *testing.T) {
	led, user := newTestLedger(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := led.EnsureInitialBonus(ctx, user); err != nil {
			t.Fatalf("ensure bonus #%d: %v", i+1, err)
		}
	}
	if user.Balance != 100 {
		t.Fatalf("balance = %d, want 100", user.Balance)
	}
	rows, err := led.History(ctx, user, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Reason != ReasonWelcomeBonus || rows[0].Amount != 100 {
		t.Fatalf("journal = %+v, want exactly one +100 welcome_bonus row", rows)
	}
}

func TestEnsureInitialBonusDisabled(t *testing.T) {
	led, user := newTestLedger(t, 0)
	ctx := context.Background()

	if err := led.EnsureInitialBonus(ctx, user); err != nil {
		t.Fatalf("ensure bonus: %v", err)
	}
	if user.Balance != 0 {
		t.Fatalf("balance = %d, want 0 with the bonus disabled", user.Balance)
	}
	rows, err := led.History(ctx, user, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("journal = %+v, want no rows with the bonus disabled", rows)
	}
}

func TestEnsureInitialBonusConcurrent(t *testing.T) {
	led, user := newTestLedger(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *user
			if err := led.EnsureInitialBonus(context.Background(), &cp); err != nil {
				t.Errorf("ensure bonus: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := journalSum(t, led, user); got != 100 {
		t.Fatalf("journal sum = %d, want 100 (bonus applied once)", got)
	}
	balance, err := led.Balance(context.Background(), user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100", balance)
	}
}

func TestInvalidAmounts(t *testing.T) {
	led, user := newTestLedger(t, 0)
	ctx := context.Background()

	for _, amount := range []int64{0, -1, -100} {
		if err := led.Credit(ctx, user, amount, ReasonAdminCredit, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Credit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
		if _, err := led.Debit(ctx, user, amount, ReasonCorrectionDebit, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Debit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if got := journalSum(t, led, user); got != 0 {
		t.Fatalf("journal sum = %d, want 0 (no side effects)", got)
	}
}

func TestDebitInsufficientLeavesNoTrace(t *testing.T) {
	led, user := newTestLedger(t, 0)
	ctx := context.Background()

	if err := led.Credit(ctx, user, 5, ReasonAdminCredit, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	ok, err := led.Debit(ctx, user, 6, ReasonCorrectionDebit, "")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatal("debit above balance must fail")
	}
	if user.Balance != 5 {
		t.Fatalf("balance = %d, want 5 after rejected debit", user.Balance)
	}
	rows, err := led.History(ctx, user, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("journal rows = %d, want 1 (rejected debit writes nothing)", len(rows))
	}
}

func TestBalanceMatchesJournal(t *testing.T) {
	led, user := newTestLedger(t, 100)
	ctx := context.Background()

	if err := led.EnsureInitialBonus(ctx, user); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	steps := []struct {
		credit bool
		amount int64
	}{
		{false, 1}, {false, 3}, {true, 10}, {false, 50}, {true, 2}, {false, 58}, {false, 1},
	}
	for i, st := range steps {
		if st.credit {
			if err := led.Credit(ctx, user, st.amount, ReasonAdminCredit, ""); err != nil {
				t.Fatalf("step %d credit: %v", i, err)
			}
		} else {
			if _, err := led.Debit(ctx, user, st.amount, ReasonCorrectionDebit, ""); err != nil {
				t.Fatalf("step %d debit: %v", i, err)
			}
		}
		balance, err := led.Balance(ctx, user)
		if err != nil {
			t.Fatalf("step %d balance: %v", i, err)
		}
		if sum := journalSum(t, led, user); sum != balance {
			t.Fatalf("step %d: balance %d != journal sum %d", i, balance, sum)
		}
		if balance < 0 {
			t.Fatalf("step %d: balance went negative: %d", i, balance)
		}
	}
}

func TestConcurrentDebits(t *testing.T) {
	led, user := newTestLedger(t, 0)
	ctx := context.Background()

	const funded = 50
	const workers = 100
	if err := led.Credit(ctx, user, funded, ReasonAdminCredit, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *user
			ok, err := led.Debit(ctx, &cp, 1, ReasonCorrectionDebit, "")
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != funded {
		t.Fatalf("succeeded = %d, want %d", succeeded, funded)
	}
	balance, err := led.Balance(ctx, user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("final balance = %d, want 0", balance)
	}
	rows, err := led.History(ctx, user, workers+10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != funded+1 { // seed credit + one row per successful debit
		t.Fatalf("journal rows = %d, want %d", len(rows), funded+1)
	}
}

// Full lifecycle: bonus, spend down to zero, then get rejected.
func TestSpendDownScenario(t *testing.T) {
	led, user := newTestLedger(t, 100)
	ctx := context.Background()

	if err := led.EnsureInitialBonus(ctx, user); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if user.Balance != 100 {
		t.Fatalf("balance after bonus = %d, want 100", user.Balance)
	}

	for i := 0; i < 100; i++ {
		ok, err := led.Debit(ctx, user, 1, ReasonCorrectionDebit, "correction request")
		if err != nil {
			t.Fatalf("debit #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("debit #%d rejected with balance remaining", i+1)
		}
	}
	if user.Balance != 0 {
		t.Fatalf("balance = %d, want 0", user.Balance)
	}

	ok, err := led.Debit(ctx, user, 1, ReasonCorrectionDebit, "")
	if err != nil {
		t.Fatalf("final debit: %v", err)
	}
	if ok {
		t.Fatal("debit at zero balance must fail")
	}

	rows, err := led.History(ctx, user, 1000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 101 { // 1 bonus credit + 100 debits
		t.Fatalf("journal rows = %d, want 101", len(rows))
	}
	if rows[0].Amount != -1 || rows[len(rows)-1].Reason != ReasonWelcomeBonus {
		t.Fatalf("unexpected journal ordering: newest %+v, oldest %+v", rows[0], rows[len(rows)-1])
	}
}

func TestOperationsOnUnknownUser(t *testing.T) {
	led := NewMemory(Options{WelcomeBonus: 100})
	ghost := &User{ID: 999, TelegramID: 999}
	ctx := context.Background()

	if err := led.Credit(ctx, ghost, 1, ReasonAdminCredit, ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("credit err = %v, want ErrUserNotFound", err)
	}
	if _, err := led.Debit(ctx, ghost, 1, ReasonCorrectionDebit, ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("debit err = %v, want ErrUserNotFound", err)
	}
	if _, err := led.Balance(ctx, ghost); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("balance err = %v, want ErrUserNotFound", err)
	}
}
