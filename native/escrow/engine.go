package escrow

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"gigvault/core/events"
	"gigvault/core/types"
	"gigvault/native/fees"
)

var (
	errNilState      = errors.New("escrow engine: state not configured")
	errNilGateway    = errors.New("escrow engine: payment gateway not configured")
	errNotConfigured = errors.New("escrow engine: platform config not initialised")
)

// State is the durable backend the engine reads and writes: the job ledger,
// the platform config singleton and the token registry.
type State interface {
	JobPut(*Job) error
	JobGet(id uint64) (*Job, bool, error)
	NextJobID() (uint64, error)
	PlatformConfigGet() (PlatformConfig, bool, error)
	PlatformConfigPut(PlatformConfig) error
	TokenSupported(token string) (bool, error)
	SetTokenSupported(token string, enabled bool) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the job-escrow settlement state machine. It enforces legal status
// transitions, resolves caller roles explicitly on every mutating call and
// coordinates the ledger, the fee policy and the payment gateway. All
// mutations for one job are serialized behind a per-job lock; different jobs
// proceed in parallel.
type Engine struct {
	state   State
	gateway PaymentGateway
	emitter events.Emitter
	nowFn   func() int64

	lockMu   sync.Mutex
	jobLocks map[uint64]*sync.Mutex
}

// NewEngine creates an engine with a no-op emitter. Callers override the
// emitter via SetEmitter and must supply a state backend and gateway before
// use.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		jobLocks: make(map[uint64]*sync.Mutex),
	}
}

// SetState configures the durable backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetGateway configures the payment gateway moving value in and out of
// custody.
func (e *Engine) SetGateway(gateway PaymentGateway) { e.gateway = gateway }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// jobLock returns the mutex serialising operations on one job. Entries are
// never evicted, even for terminal jobs: a mutex is a few dozen bytes, job
// IDs are issued sequentially, and eviction would need reference counting to
// avoid freeing a lock another goroutine is about to acquire.
func (e *Engine) jobLock(id uint64) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.jobLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.jobLocks[id] = lock
	}
	return lock
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	return nil
}

func (e *Engine) config() (PlatformConfig, error) {
	cfg, ok, err := e.state.PlatformConfigGet()
	if err != nil {
		return PlatformConfig{}, err
	}
	if !ok {
		return PlatformConfig{}, errNotConfigured
	}
	return cfg, nil
}

// InitPlatform seeds the platform config singleton on first start. An already
// persisted config wins so a restart never silently rewrites the owner or fee.
func (e *Engine) InitPlatform(cfg PlatformConfig) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if cfg.Owner == ([20]byte{}) {
		return errValidation("initPlatform", "owner address required")
	}
	if cfg.PlatformWallet == ([20]byte{}) {
		return errValidation("initPlatform", "platform wallet required")
	}
	if !fees.ValidPlatformFee(cfg.FeeBps) {
		return errValidation("initPlatform", "fee too high, max 10%%: %d bps", cfg.FeeBps)
	}
	if _, ok, err := e.state.PlatformConfigGet(); err != nil {
		return err
	} else if ok {
		return nil
	}
	return e.state.PlatformConfigPut(cfg)
}

// Config returns the current platform config singleton.
func (e *Engine) Config() (PlatformConfig, error) {
	if e == nil || e.state == nil {
		return PlatformConfig{}, errNilState
	}
	return e.config()
}

// Job returns a read-only snapshot of the job; no side effects.
func (e *Engine) Job(id uint64) (*Job, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	job, ok, err := e.state.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// CreateJob registers a new engagement between the calling client and the
// developer. Only the client itself may open a job on its own behalf. The
// token must be listed in the registry at creation time; later de-listing
// does not invalidate the job. The amount must be positive and fit in 256
// bits so downstream fee arithmetic cannot overflow.
func (e *Engine) CreateJob(caller, client, developer [20]byte, token string, totalAmount *big.Int, deadline int64) (*Job, error) {
	const op = "createJob"
	if err := e.ready(); err != nil {
		return nil, err
	}
	if client == ([20]byte{}) {
		return nil, errValidation(op, "client address required")
	}
	if caller != client {
		return nil, errAuthorization(op, caller, RoleClient)
	}
	if developer == ([20]byte{}) {
		return nil, errValidation(op, "invalid developer address")
	}
	if developer == client {
		return nil, errValidation(op, "developer must differ from client")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, errValidation(op, "token symbol required")
	}
	supported, err := e.state.TokenSupported(normalized)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, errValidation(op, "unsupported token %s", normalized)
	}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return nil, errValidation(op, "total amount must be positive")
	}
	if _, overflow := uint256.FromBig(totalAmount); overflow {
		return nil, errArithmetic(op, "total amount exceeds 256 bits")
	}
	id, err := e.state.NextJobID()
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:          id,
		Client:      client,
		Developer:   developer,
		Token:       normalized,
		TotalAmount: new(big.Int).Set(totalAmount),
		PaidAmount:  big.NewInt(0),
		Status:      StatusCreated,
		Deadline:    deadline,
		CreatedAt:   e.now(),
	}
	if err := e.state.JobPut(job); err != nil {
		return nil, err
	}
	e.emit(NewJobCreatedEvent(job))
	e.emit(NewStatusEvent(job))
	return job.Clone(), nil
}

// DepositInitialPayment pulls the first tranche (half the total, integer
// division) from the client into custody and marks the job funded.
func (e *Engine) DepositInitialPayment(id uint64, caller [20]byte) error {
	const op = "depositInitialPayment"
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, cfg, err := e.loadJobAndConfig(id)
	if err != nil {
		return err
	}
	if RoleOf(cfg.Owner, job, caller) != RoleClient {
		return errAuthorization(op, caller, RoleClient)
	}
	switch job.Status {
	case StatusCreated:
	case StatusFunded, StatusInProgress, StatusUnderReview, StatusCompleted, StatusDisputed:
		return errState(op, job.Status)
	default:
		return errState(op, job.Status)
	}
	tranche, err := fees.FirstTranche(job.TotalAmount)
	if err != nil {
		return errValidation(op, "%v", err)
	}
	snapshot := job.Clone()
	job.PaidAmount = new(big.Int).Set(tranche)
	job.Status = StatusFunded
	// Ledger state commits before the value transfer so a failed or
	// reentrant transfer never sees stale payout state.
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	vault := e.gateway.CustodyAddress(job.Token)
	if err := e.gateway.Apply(id, job.Token, []Transfer{{From: job.Client, To: vault, Amount: tranche}}); err != nil {
		if putErr := e.state.JobPut(snapshot); putErr != nil {
			return errors.Join(err, putErr)
		}
		return err
	}
	e.emit(NewDepositEvent(job, job.Client, tranche))
	e.emit(NewStatusEvent(job))
	return nil
}

// StartJob is the developer acknowledging a funded job and beginning work.
func (e *Engine) StartJob(id uint64, caller [20]byte) error {
	const op = "startJob"
	return e.advance(op, id, caller, RoleDeveloper, StatusFunded, StatusInProgress)
}

// SubmitWork is the developer handing the job over for client review.
func (e *Engine) SubmitWork(id uint64, caller [20]byte) error {
	const op = "submitWork"
	return e.advance(op, id, caller, RoleDeveloper, StatusInProgress, StatusUnderReview)
}

// advance performs a funds-free status transition guarded by role and a
// single permitted source status.
func (e *Engine) advance(op string, id uint64, caller [20]byte, required Role, from, to JobStatus) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, cfg, err := e.loadJobAndConfig(id)
	if err != nil {
		return err
	}
	if RoleOf(cfg.Owner, job, caller) != required {
		return errAuthorization(op, caller, required)
	}
	switch job.Status {
	case from:
	case StatusCreated, StatusFunded, StatusInProgress, StatusUnderReview, StatusCompleted, StatusDisputed:
		return errState(op, job.Status)
	default:
		return errState(op, job.Status)
	}
	job.Status = to
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewStatusEvent(job))
	return nil
}

// ApproveAndPayRemaining is the client's final approval: it pulls the
// remaining tranche into custody and, in the same atomic batch, pays the
// platform its fee and the developer the rest. Conservation holds exactly:
// platform + developer == total.
func (e *Engine) ApproveAndPayRemaining(id uint64, caller [20]byte) error {
	const op = "approveAndPayRemaining"
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, cfg, err := e.loadJobAndConfig(id)
	if err != nil {
		return err
	}
	if RoleOf(cfg.Owner, job, caller) != RoleClient {
		return errAuthorization(op, caller, RoleClient)
	}
	switch job.Status {
	case StatusUnderReview:
	case StatusCreated, StatusFunded, StatusInProgress, StatusCompleted, StatusDisputed:
		return errState(op, job.Status)
	default:
		return errState(op, job.Status)
	}
	remaining := new(big.Int).Sub(job.TotalAmount, job.PaidAmount)
	if remaining.Sign() < 0 {
		return errArithmetic(op, "paid amount exceeds total")
	}
	split, err := fees.ApplyPlatformFee(job.TotalAmount, cfg.FeeBps)
	if err != nil {
		return errArithmetic(op, "%v", err)
	}
	snapshot := job.Clone()
	job.PaidAmount = new(big.Int).Set(job.TotalAmount)
	job.Status = StatusCompleted
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	vault := e.gateway.CustodyAddress(job.Token)
	transfers := []Transfer{
		{From: job.Client, To: vault, Amount: remaining},
		{From: vault, To: cfg.PlatformWallet, Amount: split.Platform},
		{From: vault, To: job.Developer, Amount: split.Developer},
	}
	if err := e.gateway.Apply(id, job.Token, transfers); err != nil {
		if putErr := e.state.JobPut(snapshot); putErr != nil {
			return errors.Join(err, putErr)
		}
		return err
	}
	e.emit(NewDepositEvent(job, job.Client, remaining))
	e.emit(NewSettledEvent(job, split.Platform, split.Developer))
	e.emit(NewStatusEvent(job))
	return nil
}

// InitiateDispute freezes a non-terminal job. Either party may raise it; no
// funds move until the owner resolves.
func (e *Engine) InitiateDispute(id uint64, caller [20]byte) error {
	const op = "initiateDispute"
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, cfg, err := e.loadJobAndConfig(id)
	if err != nil {
		return err
	}
	role := RoleOf(cfg.Owner, job, caller)
	if role != RoleClient && role != RoleDeveloper {
		return errAuthorization(op, caller, RoleClient)
	}
	switch job.Status {
	case StatusCreated, StatusFunded, StatusInProgress, StatusUnderReview:
	case StatusCompleted, StatusDisputed:
		return errState(op, job.Status)
	default:
		return errState(op, job.Status)
	}
	job.Status = StatusDisputed
	job.DisputedBy = caller
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(job, caller))
	e.emit(NewStatusEvent(job))
	return nil
}

// ResolveDispute is the owner arbitrating a frozen job. Only the escrowed
// PaidAmount is distributed; a dispute raised before the second tranche only
// splits what is actually in custody. No platform fee is charged on dispute
// settlements. The job terminates as Completed.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, clientShareBps uint32) error {
	const op = "resolveDispute"
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, cfg, err := e.loadJobAndConfig(id)
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return errAuthorization(op, caller, RoleOwner)
	}
	switch job.Status {
	case StatusDisputed:
	case StatusCreated, StatusFunded, StatusInProgress, StatusUnderReview, StatusCompleted:
		return errState(op, job.Status)
	default:
		return errState(op, job.Status)
	}
	if clientShareBps > fees.BpsDenominator {
		return errValidation(op, "client share out of range: %d bps", clientShareBps)
	}
	split, err := fees.SplitResolution(job.PaidAmount, clientShareBps)
	if err != nil {
		return errArithmetic(op, "%v", err)
	}
	snapshot := job.Clone()
	job.Status = StatusCompleted
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	vault := e.gateway.CustodyAddress(job.Token)
	transfers := []Transfer{
		{From: vault, To: job.Client, Amount: split.Client},
		{From: vault, To: job.Developer, Amount: split.Developer},
	}
	if err := e.gateway.Apply(id, job.Token, transfers); err != nil {
		if putErr := e.state.JobPut(snapshot); putErr != nil {
			return errors.Join(err, putErr)
		}
		return err
	}
	e.emit(NewResolvedEvent(job, clientShareBps, split.Client, split.Developer))
	e.emit(NewStatusEvent(job))
	return nil
}

// SetPlatformFee updates the platform's cut for settlements computed after
// the change. Owner only; capped at 10%.
func (e *Engine) SetPlatformFee(caller [20]byte, bps uint32) error {
	const op = "setPlatformFee"
	if e == nil || e.state == nil {
		return errNilState
	}
	cfg, err := e.config()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return errAuthorization(op, caller, RoleOwner)
	}
	if !fees.ValidPlatformFee(bps) {
		return errValidation(op, "fee too high, max 10%%: %d bps", bps)
	}
	cfg.FeeBps = bps
	if err := e.state.PlatformConfigPut(cfg); err != nil {
		return err
	}
	e.emit(NewFeeUpdatedEvent(bps))
	return nil
}

// SetSupportedToken toggles registry membership. Only checked at createJob
// time; existing jobs keep their token regardless of later de-listing.
func (e *Engine) SetSupportedToken(caller [20]byte, token string, enabled bool) error {
	const op = "setSupportedToken"
	if e == nil || e.state == nil {
		return errNilState
	}
	cfg, err := e.config()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return errAuthorization(op, caller, RoleOwner)
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return errValidation(op, "token symbol required")
	}
	if err := e.state.SetTokenSupported(normalized, enabled); err != nil {
		return err
	}
	e.emit(NewTokenListedEvent(normalized, enabled))
	return nil
}

func (e *Engine) loadJobAndConfig(id uint64) (*Job, PlatformConfig, error) {
	job, ok, err := e.state.JobGet(id)
	if err != nil {
		return nil, PlatformConfig{}, err
	}
	if !ok {
		return nil, PlatformConfig{}, ErrJobNotFound
	}
	cfg, err := e.config()
	if err != nil {
		return nil, PlatformConfig{}, err
	}
	return job, cfg, nil
}
