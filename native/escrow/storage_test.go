package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"gigvault/core/types"
	"gigvault/storage"
)

func newTestLedger(t *testing.T) (*Ledger, storage.Database) {
	t.Helper()
	db := storage.NewMemDB()
	return NewLedger(db), db
}

func TestLedgerJobRoundTrip(t *testing.T) {
	ledger, _ := newTestLedger(t)
	job := &Job{
		ID:          1,
		Client:      newTestAddress(0x01),
		Developer:   newTestAddress(0x02),
		Token:       "USDC",
		TotalAmount: big.NewInt(1000),
		PaidAmount:  big.NewInt(500),
		Status:      StatusFunded,
		Deadline:    1_800_000_000,
		CreatedAt:   1_700_000_000,
	}
	if err := ledger.JobPut(job); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := ledger.JobGet(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Token != "USDC" || loaded.PaidAmount.Int64() != 500 || loaded.Status != StatusFunded {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded.Client != job.Client || loaded.Developer != job.Developer {
		t.Fatalf("party addresses lost in round trip")
	}
	if _, ok, err := ledger.JobGet(99); err != nil || ok {
		t.Fatalf("absent job: ok=%v err=%v", ok, err)
	}
}

func TestLedgerRejectsInvariantViolations(t *testing.T) {
	ledger, _ := newTestLedger(t)
	job := &Job{
		ID:          1,
		Client:      newTestAddress(0x01),
		Developer:   newTestAddress(0x02),
		Token:       "USDC",
		TotalAmount: big.NewInt(100),
		PaidAmount:  big.NewInt(101),
		Status:      StatusFunded,
	}
	if err := ledger.JobPut(job); err == nil {
		t.Fatalf("ledger must refuse paidAmount above total")
	}
}

func TestLedgerSequenceSurvivesReopen(t *testing.T) {
	ledger, db := newTestLedger(t)
	for want := uint64(1); want <= 3; want++ {
		id, err := ledger.NextJobID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("want id %d, got %d", want, id)
		}
	}
	reopened := NewLedger(db)
	id, err := reopened.NextJobID()
	if err != nil {
		t.Fatalf("next id after reopen: %v", err)
	}
	if id != 4 {
		t.Fatalf("sequence must persist across reopen, got %d", id)
	}
}

func TestLedgerPlatformConfig(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if _, ok, err := ledger.PlatformConfigGet(); err != nil || ok {
		t.Fatalf("fresh ledger must have no config: ok=%v err=%v", ok, err)
	}
	cfg := PlatformConfig{Owner: newTestAddress(0xEE), PlatformWallet: newTestAddress(0xFF), FeeBps: 250}
	if err := ledger.PlatformConfigPut(cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}
	loaded, ok, err := ledger.PlatformConfigGet()
	if err != nil || !ok {
		t.Fatalf("get config: ok=%v err=%v", ok, err)
	}
	if loaded != cfg {
		t.Fatalf("config mismatch: %+v", loaded)
	}
}

func TestLedgerTokenRegistry(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if ok, err := ledger.TokenSupported("USDC"); err != nil || ok {
		t.Fatalf("unknown token must be unsupported: ok=%v err=%v", ok, err)
	}
	if err := ledger.SetTokenSupported(" usdc ", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if ok, _ := ledger.TokenSupported("USDC"); !ok {
		t.Fatalf("token should be supported after enable")
	}
	if err := ledger.SetTokenSupported("USDC", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if ok, _ := ledger.TokenSupported("USDC"); ok {
		t.Fatalf("token should be unsupported after disable")
	}
}

func TestLedgerAccounts(t *testing.T) {
	ledger, _ := newTestLedger(t)
	addr := newTestAddress(0x01)
	acc, err := ledger.GetAccount(addr)
	if err != nil {
		t.Fatalf("get empty account: %v", err)
	}
	if acc.Balance("USDC").Sign() != 0 {
		t.Fatalf("empty account must read zero")
	}
	acc.SetBalance("USDC", big.NewInt(1234))
	if err := ledger.PutAccount(addr, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loaded, err := ledger.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loaded.Balance("USDC").Int64() != 1234 {
		t.Fatalf("balance lost in round trip: %s", loaded.Balance("USDC"))
	}
}

func TestLedgerBackedGatewayBatchIsAtomic(t *testing.T) {
	ledger, _ := newTestLedger(t)
	gateway := NewLedgerGateway(ledger)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	seed := types.NewAccount()
	seed.SetBalance("USDC", big.NewInt(100))
	if err := ledger.PutAccount(payer, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	vault := gateway.CustodyAddress("USDC")
	// Second leg exceeds what the vault will hold; nothing may move.
	err := gateway.Apply(1, "USDC", []Transfer{
		{From: payer, To: vault, Amount: big.NewInt(100)},
		{From: vault, To: payee, Amount: big.NewInt(150)},
	})
	if err == nil {
		t.Fatalf("expected batch rejection")
	}
	balance, _ := ledger.GetAccount(payer)
	if balance.Balance("USDC").Int64() != 100 {
		t.Fatalf("rejected batch must not move funds, payer has %s", balance.Balance("USDC"))
	}

	if err := gateway.Apply(1, "USDC", []Transfer{
		{From: payer, To: vault, Amount: big.NewInt(100)},
		{From: vault, To: payee, Amount: big.NewInt(60)},
	}); err != nil {
		t.Fatalf("valid batch: %v", err)
	}
	got, _ := ledger.GetAccount(payee)
	if got.Balance("USDC").Int64() != 60 {
		t.Fatalf("payee: want 60, got %s", got.Balance("USDC"))
	}
	held, _ := ledger.GetAccount(vault)
	if held.Balance("USDC").Int64() != 40 {
		t.Fatalf("vault: want 40, got %s", held.Balance("USDC"))
	}
}

func TestLedgerBackedGatewayConcurrentDebitsConserveFunds(t *testing.T) {
	ledger, _ := newTestLedger(t)
	gateway := NewLedgerGateway(ledger)
	payer := newTestAddress(0x01)
	seed := types.NewAccount()
	seed.SetBalance("USDC", big.NewInt(100))
	if err := ledger.PutAccount(payer, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Two jobs debit the same client wallet at once. Only one 60-unit
	// debit fits in a 100-unit balance; the other must reject.
	vaults := [][20]byte{CustodyAddress("USDC"), newTestAddress(0xA0)}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = gateway.Apply(uint64(i+1), "USDC", []Transfer{
				{From: payer, To: vaults[i], Amount: big.NewInt(60)},
			})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("want exactly one rejected debit, got %d (errs=%v)", failures, errs)
	}
	total := big.NewInt(0)
	for _, addr := range append(vaults, payer) {
		acc, err := ledger.GetAccount(addr)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		total.Add(total, acc.Balance("USDC"))
	}
	if total.Int64() != 100 {
		t.Fatalf("funds not conserved: total %s", total)
	}
}

// failingAccountState persists the first put, fails the second, and lets
// later puts through so a rollback can land.
type failingAccountState struct {
	*Ledger
	puts int
}

func (s *failingAccountState) PutAccount(addr [20]byte, acc *types.Account) error {
	s.puts++
	if s.puts == 2 {
		return fmt.Errorf("disk full")
	}
	return s.Ledger.PutAccount(addr, acc)
}

func TestLedgerBackedGatewayRollsBackPartialCommit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	seed := types.NewAccount()
	seed.SetBalance("USDC", big.NewInt(100))
	if err := ledger.PutAccount(payer, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	state := &failingAccountState{Ledger: ledger}
	gateway := NewLedgerGateway(state)
	err := gateway.Apply(1, "USDC", []Transfer{
		{From: payer, To: payee, Amount: big.NewInt(60)},
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	// The account persisted before the failure must be restored.
	got, _ := ledger.GetAccount(payer)
	if got.Balance("USDC").Int64() != 100 {
		t.Fatalf("payer: want 100 after rollback, got %s", got.Balance("USDC"))
	}
	held, _ := ledger.GetAccount(payee)
	if held.Balance("USDC").Sign() != 0 {
		t.Fatalf("payee: want 0 after rollback, got %s", held.Balance("USDC"))
	}
}
