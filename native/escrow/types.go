package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// JobStatus enumerates the lifecycle states of an escrowed job. Completed is
// the only terminal status; every transition function switches exhaustively
// over these values so a new status forces each call site to be revisited.
type JobStatus uint8

const (
	StatusCreated JobStatus = iota
	StatusFunded
	StatusInProgress
	StatusUnderReview
	StatusCompleted
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusInProgress, StatusUnderReview, StatusCompleted, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool { return s == StatusCompleted }

// String returns the canonical wire name for the status.
func (s JobStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusInProgress:
		return "in_progress"
	case StatusUnderReview:
		return "under_review"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Job captures one client/developer engagement managed by the engine. The id
// is sequential and assigned at creation; client, developer, token and
// TotalAmount are immutable afterwards. PaidAmount is the cumulative value
// moved into escrow custody and always satisfies 0 <= PaidAmount <=
// TotalAmount.
type Job struct {
	ID          uint64    `json:"id"`
	Client      [20]byte  `json:"client"`
	Developer   [20]byte  `json:"developer"`
	Token       string    `json:"token"`
	TotalAmount *big.Int  `json:"totalAmount"`
	PaidAmount  *big.Int  `json:"paidAmount"`
	Status      JobStatus `json:"status"`
	// Deadline is advisory metadata; no transition reads it.
	Deadline   int64    `json:"deadline"`
	CreatedAt  int64    `json:"createdAt"`
	DisputedBy [20]byte `json:"disputedBy"`
}

// Clone returns a deep copy of the job so callers can mutate the copy without
// affecting the stored instance.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(j.TotalAmount)
	} else {
		clone.TotalAmount = big.NewInt(0)
	}
	if j.PaidAmount != nil {
		clone.PaidAmount = new(big.Int).Set(j.PaidAmount)
	} else {
		clone.PaidAmount = big.NewInt(0)
	}
	return &clone
}

// NormalizeToken canonicalises a token symbol to uppercase trimmed form.
// Membership in the registry is checked separately at job creation.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: token symbol required")
	}
	return trimmed, nil
}

// SanitizeJob validates and normalises a job record, returning a clone with
// canonical token casing and non-nil amounts. The original value is not
// mutated.
func SanitizeJob(j *Job) (*Job, error) {
	if j == nil {
		return nil, fmt.Errorf("escrow: nil job")
	}
	clone := j.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Client == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: job client required")
	}
	if clone.Developer == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: job developer required")
	}
	if clone.Developer == clone.Client {
		return nil, fmt.Errorf("escrow: developer must differ from client")
	}
	if clone.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total amount must be positive")
	}
	if clone.PaidAmount.Sign() < 0 || clone.PaidAmount.Cmp(clone.TotalAmount) > 0 {
		return nil, fmt.Errorf("escrow: paid amount outside [0, total]")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid job status: %d", clone.Status)
	}
	return clone, nil
}
