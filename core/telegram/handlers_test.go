package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"lingvobot/core/ai"
	coreconfig "lingvobot/core/config"
	"lingvobot/core/history"
	"lingvobot/core/ledger"
	"lingvobot/core/session"

	tele "gopkg.in/telebot.v4"
)

type ledgerCall struct {
	op     string
	tgID   int64
	amount int64
	reason ledger.Reason
}

// fakeLedger records every call and keeps a single balance shared by all
// users, which is enough for handler-level assertions.
type fakeLedger struct {
	balance   int64
	history   []ledger.Transaction
	calls     []ledgerCall
	creditErr error
	debitErr  error
}

func (f *fakeLedger) GetOrCreateUser(_ context.Context, telegramID int64, profile ledger.Profile) (*ledger.User, error) {
	f.calls = append(f.calls, ledgerCall{op: "get", tgID: telegramID})
	return &ledger.User{
		ID:         1,
		TelegramID: telegramID,
		Username:   profile.Username,
		Balance:    f.balance,
	}, nil
}

func (f *fakeLedger) EnsureInitialBonus(_ context.Context, user *ledger.User) error {
	f.calls = append(f.calls, ledgerCall{op: "bonus", tgID: user.TelegramID})
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, user *ledger.User, amount int64, reason ledger.Reason, _ string) error {
	f.calls = append(f.calls, ledgerCall{op: "credit", tgID: user.TelegramID, amount: amount, reason: reason})
	if f.creditErr != nil {
		return f.creditErr
	}
	f.balance += amount
	user.Balance = f.balance
	return nil
}

func (f *fakeLedger) Debit(_ context.Context, user *ledger.User, amount int64, reason ledger.Reason, _ string) (bool, error) {
	f.calls = append(f.calls, ledgerCall{op: "debit", tgID: user.TelegramID, amount: amount, reason: reason})
	if f.debitErr != nil {
		return false, f.debitErr
	}
	if f.balance < amount {
		return false, nil
	}
	f.balance -= amount
	user.Balance = f.balance
	return true, nil
}

func (f *fakeLedger) Balance(_ context.Context, user *ledger.User) (int64, error) {
	return f.balance, nil
}

func (f *fakeLedger) History(_ context.Context, _ *ledger.User, _ int) ([]ledger.Transaction, error) {
	return f.history, nil
}

func (f *fakeLedger) ops() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

type fakeAI struct {
	answer string
	tokens int
	err    error
	calls  int
	prior  [][]ai.Turn
}

func (f *fakeAI) Correct(_ context.Context, _ string, prior []ai.Turn) (string, int, error) {
	f.calls++
	f.prior = append(f.prior, prior)
	return f.answer, f.tokens, f.err
}

// brokenStore fails every operation, simulating an unreachable Redis.
type brokenStore struct{}

func (brokenStore) Get(context.Context, int64) (session.Data, error) {
	return nil, session.ErrUnavailable
}
func (brokenStore) Set(context.Context, int64, session.Data) error    { return session.ErrUnavailable }
func (brokenStore) Update(context.Context, int64, session.Data) error { return session.ErrUnavailable }
func (brokenStore) Clear(context.Context, int64) error                { return session.ErrUnavailable }

func testConfig() *coreconfig.Config {
	return &coreconfig.Config{
		Telegram: coreconfig.TelegramConfig{
			Token:    "test-token",
			RunMode:  coreconfig.RunModeLongpoll,
			AdminIDs: []int64{1000},
		},
		Ledger: coreconfig.LedgerConfig{
			WelcomeBonus: 100,
			RequestCost:  1,
			DefaultGrant: 10,
		},
		AI: coreconfig.AIConfig{
			Model:           "gpt-4o-mini",
			ContextMessages: 5,
		},
	}
}

func newTestHandlers(l ledger.Ledger, s session.Store, corrector Corrector) *Handlers {
	if s == nil {
		s = session.NewMemory(time.Hour)
	}
	return NewHandlers(testConfig(), l, s, history.NewMemory(), corrector)
}

func TestStartGrantsBonus(t *testing.T) {
	fl := &fakeLedger{balance: 100}
	h := newTestHandlers(fl, nil, &fakeAI{})

	msg, err := h.start(context.Background(), &tele.User{ID: 42, Username: "alice"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, want := fl.ops(), []string{"get", "bonus"}; !equalStrings(got, want) {
		t.Fatalf("ledger calls = %v, want %v", got, want)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("welcome message %q does not mention the balance", msg)
	}
}

func TestBalanceShowsRecentHistory(t *testing.T) {
	fl := &fakeLedger{
		balance: 99,
		history: []ledger.Transaction{
			{Amount: -1, Reason: ledger.ReasonCorrectionDebit},
			{Amount: 100, Reason: ledger.ReasonWelcomeBonus},
		},
	}
	h := newTestHandlers(fl, nil, &fakeAI{})

	msg, err := h.balance(context.Background(), &tele.User{ID: 42})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	for _, want := range []string{"99", "-1", "+100", string(ledger.ReasonWelcomeBonus)} {
		if !strings.Contains(msg, want) {
			t.Errorf("reply %q lacks %q", msg, want)
		}
	}
}

func TestDoWithoutPayloadArmsSession(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	store := session.NewMemory(time.Hour)
	h := newTestHandlers(fl, store, &fakeAI{})

	msg, err := h.do(context.Background(), &tele.User{ID: 42}, "  ")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if msg != replyAwaitingText {
		t.Errorf("msg = %q, want %q", msg, replyAwaitingText)
	}

	data, _ := store.Get(context.Background(), 42)
	if awaiting, _ := data[sessionKeyAwaiting].(bool); !awaiting {
		t.Error("awaiting_text flag not set")
	}
	for _, c := range fl.calls {
		if c.op == "debit" {
			t.Error("debit issued without any text")
		}
	}
}

func TestDoWithPayloadChargesAndCorrects(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	ai := &fakeAI{answer: "Corrected.", tokens: 17}
	h := newTestHandlers(fl, nil, ai)

	msg, err := h.do(context.Background(), &tele.User{ID: 42}, "i has a apple")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if ai.calls != 1 {
		t.Fatalf("ai calls = %d, want 1", ai.calls)
	}
	last := fl.calls[len(fl.calls)-1]
	if last.op != "debit" || last.amount != 1 || last.reason != ledger.ReasonCorrectionDebit {
		t.Fatalf("unexpected final ledger call %+v", last)
	}
	if !strings.Contains(msg, "Corrected.") || !strings.Contains(msg, "4") {
		t.Errorf("reply %q lacks correction or remaining balance", msg)
	}
}

func TestTextWhenAwaitingCorrectsAndClearsFlag(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	ai := &fakeAI{answer: "Fixed.", tokens: 3}
	store := session.NewMemory(time.Hour)
	h := newTestHandlers(fl, store, ai)

	ctx := context.Background()
	if err := store.Set(ctx, 42, session.Data{sessionKeyAwaiting: true}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	msg, err := h.text(ctx, &tele.User{ID: 42}, "he go home")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if ai.calls != 1 {
		t.Fatalf("ai calls = %d, want 1", ai.calls)
	}
	if !strings.Contains(msg, "Fixed.") {
		t.Errorf("reply %q lacks the correction", msg)
	}

	data, _ := store.Get(ctx, 42)
	if awaiting, _ := data[sessionKeyAwaiting].(bool); awaiting {
		t.Error("awaiting_text flag not cleared")
	}
}

func TestTextWhenIdleOnlyHints(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	ai := &fakeAI{answer: "should not run"}
	h := newTestHandlers(fl, nil, ai)

	msg, err := h.text(context.Background(), &tele.User{ID: 42}, "hello there")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if msg != replyIdleHint {
		t.Errorf("msg = %q, want %q", msg, replyIdleHint)
	}
	if ai.calls != 0 {
		t.Errorf("ai called %d times for idle text", ai.calls)
	}
	for _, c := range fl.calls {
		if c.op == "debit" {
			t.Error("idle text must not charge")
		}
	}
}

func TestInsufficientBalanceSkipsAI(t *testing.T) {
	fl := &fakeLedger{balance: 0}
	ai := &fakeAI{answer: "should not run"}
	h := newTestHandlers(fl, nil, ai)

	msg, err := h.do(context.Background(), &tele.User{ID: 42}, "fix me")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if ai.calls != 0 {
		t.Errorf("ai called %d times with empty balance", ai.calls)
	}
	if !strings.Contains(msg, "Not enough crystals") {
		t.Errorf("reply %q does not explain the shortfall", msg)
	}
}

func TestAIFailureRefundsCharge(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	ai := &fakeAI{err: errors.New("model timeout")}
	h := newTestHandlers(fl, nil, ai)

	msg, err := h.do(context.Background(), &tele.User{ID: 42}, "fix me")
	if err == nil {
		t.Fatal("expected the AI failure to propagate")
	}
	if msg != replyUnavailable {
		t.Errorf("msg = %q, want %q", msg, replyUnavailable)
	}
	last := fl.calls[len(fl.calls)-1]
	if last.op != "credit" || last.amount != 1 || last.reason != ledger.ReasonRefundCredit {
		t.Fatalf("expected a refund credit, got %+v", last)
	}
	if fl.balance != 5 {
		t.Errorf("balance = %d after refund, want 5", fl.balance)
	}
}

func TestCorrectionRecordsHistory(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	corrector := &fakeAI{answer: "| Original | Error Type | Explanation | Correction |\n| i has | Grammar | agreement | I have |", tokens: 21}
	hist := history.NewMemory()
	h := NewHandlers(testConfig(), fl, session.NewMemory(time.Hour), hist, corrector)

	ctx := context.Background()
	if _, err := h.do(ctx, &tele.User{ID: 42}, "i has a apple"); err != nil {
		t.Fatalf("do: %v", err)
	}

	exchanges, err := hist.RecentExchanges(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(exchanges))
	}
	e := exchanges[0]
	if e.UserMessage != "i has a apple" || e.TokensUsed != 21 || e.ModelUsed != "gpt-4o-mini" {
		t.Errorf("unexpected exchange %+v", e)
	}

	corrections := hist.Corrections(1)
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].CorrectionType != "correction" || corrections[0].ErrorsGrammar == 0 {
		t.Errorf("unexpected correction %+v", corrections[0])
	}
}

func TestCorrectionReplaysRecentContext(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	corrector := &fakeAI{answer: "Fine.", tokens: 2}
	hist := history.NewMemory()
	h := NewHandlers(testConfig(), fl, session.NewMemory(time.Hour), hist, corrector)

	ctx := context.Background()
	for i, msg := range []string{"first", "second"} {
		if err := hist.SaveExchange(ctx, &history.Exchange{
			UserID:      1,
			UserMessage: msg,
			AIResponse:  fmt.Sprintf("reply %d", i+1),
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	if _, err := h.do(ctx, &tele.User{ID: 42}, "third"); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(corrector.prior) != 1 {
		t.Fatalf("ai calls = %d, want 1", len(corrector.prior))
	}
	turns := corrector.prior[0]
	if len(turns) != 2 {
		t.Fatalf("context turns = %d, want 2", len(turns))
	}
	// Oldest first, so the model reads the conversation in order.
	if turns[0].UserMessage != "first" || turns[1].UserMessage != "second" {
		t.Errorf("context order = [%q, %q], want [first, second]", turns[0].UserMessage, turns[1].UserMessage)
	}
}

func TestNoHistoryWrittenWhenAIFails(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	corrector := &fakeAI{err: errors.New("model timeout")}
	hist := history.NewMemory()
	h := NewHandlers(testConfig(), fl, session.NewMemory(time.Hour), hist, corrector)

	ctx := context.Background()
	if _, err := h.do(ctx, &tele.User{ID: 42}, "fix me"); err == nil {
		t.Fatal("expected the AI failure to propagate")
	}
	exchanges, _ := hist.RecentExchanges(ctx, 1, 10)
	if len(exchanges) != 0 {
		t.Errorf("failed call saved %d exchanges", len(exchanges))
	}
}

func TestSessionOutageDegradesToIdle(t *testing.T) {
	fl := &fakeLedger{balance: 5}
	ai := &fakeAI{answer: "should not run"}
	h := newTestHandlers(fl, brokenStore{}, ai)

	msg, err := h.text(context.Background(), &tele.User{ID: 42}, "hello")
	if err != nil {
		t.Fatalf("text with broken store: %v", err)
	}
	if msg != replyIdleHint {
		t.Errorf("msg = %q, want %q", msg, replyIdleHint)
	}
	if ai.calls != 0 {
		t.Errorf("ai called %d times despite session outage", ai.calls)
	}
}

func TestGrantRefusedForNonAdmin(t *testing.T) {
	fl := &fakeLedger{balance: 0}
	h := newTestHandlers(fl, nil, &fakeAI{})

	msg, err := h.grant(context.Background(), &tele.User{ID: 42}, []string{"77", "50"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if msg != replyNotAllowed {
		t.Errorf("msg = %q, want %q", msg, replyNotAllowed)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("ledger touched by refused grant: %v", fl.ops())
	}
}

func TestGrantDefaultsAmount(t *testing.T) {
	fl := &fakeLedger{balance: 0}
	h := newTestHandlers(fl, nil, &fakeAI{})

	msg, err := h.grant(context.Background(), &tele.User{ID: 1000}, []string{"77"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	last := fl.calls[len(fl.calls)-1]
	if last.op != "credit" || last.tgID != 77 || last.amount != 10 || last.reason != ledger.ReasonAdminCredit {
		t.Fatalf("unexpected grant call %+v", last)
	}
	if !strings.Contains(msg, "10") {
		t.Errorf("reply %q lacks the amount", msg)
	}
}

func TestGrantExplicitAmount(t *testing.T) {
	fl := &fakeLedger{balance: 0}
	h := newTestHandlers(fl, nil, &fakeAI{})

	if _, err := h.grant(context.Background(), &tele.User{ID: 1000}, []string{"77", "250"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	last := fl.calls[len(fl.calls)-1]
	if last.amount != 250 {
		t.Fatalf("amount = %d, want 250", last.amount)
	}
}

func TestGrantRejectsBadArguments(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"bad id", []string{"bob"}},
		{"negative id", []string{"-5"}},
		{"bad amount", []string{"77", "lots"}},
		{"zero amount", []string{"77", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fl := &fakeLedger{balance: 0}
			h := newTestHandlers(fl, nil, &fakeAI{})
			if _, err := h.grant(context.Background(), &tele.User{ID: 1000}, tc.args); err != nil {
				t.Fatalf("grant: %v", err)
			}
			for _, c := range fl.calls {
				if c.op == "credit" {
					t.Fatalf("credit issued despite bad arguments %v", tc.args)
				}
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
