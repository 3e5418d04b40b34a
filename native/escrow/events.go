package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"gigvault/core/types"
)

const (
	EventTypeJobCreated  = "escrow.job.created"
	EventTypeDeposit     = "escrow.job.deposit"
	EventTypeDisputed    = "escrow.job.disputed"
	EventTypeStatus      = "escrow.job.status"
	EventTypeSettled     = "escrow.job.settled"
	EventTypeResolved    = "escrow.job.resolved"
	EventTypeFeeUpdated  = "escrow.platform.fee_updated"
	EventTypeTokenListed = "escrow.platform.token_listed"
)

// NewJobCreatedEvent is the canonical payload for a newly created job.
func NewJobCreatedEvent(j *Job) *types.Event {
	attrs := jobAttributes(j)
	return &types.Event{Type: EventTypeJobCreated, Attributes: attrs}
}

// NewDepositEvent records value moving into custody: the first tranche at
// funding time and the remaining tranche at approval.
func NewDepositEvent(j *Job, payer [20]byte, amount *big.Int) *types.Event {
	attrs := jobAttributes(j)
	attrs["payer"] = hex.EncodeToString(payer[:])
	attrs["amount"] = bigString(amount)
	return &types.Event{Type: EventTypeDeposit, Attributes: attrs}
}

// NewDisputedEvent records which party froze the job.
func NewDisputedEvent(j *Job, initiator [20]byte) *types.Event {
	attrs := jobAttributes(j)
	attrs["initiator"] = hex.EncodeToString(initiator[:])
	return &types.Event{Type: EventTypeDisputed, Attributes: attrs}
}

// NewStatusEvent is emitted on every successful transition and is the
// channel the excluded CRUD layer treats as the source of truth for job
// financial status.
func NewStatusEvent(j *Job) *types.Event {
	attrs := jobAttributes(j)
	attrs["newStatus"] = j.Status.String()
	return &types.Event{Type: EventTypeStatus, Attributes: attrs}
}

// NewSettledEvent records a normal completion payout split.
func NewSettledEvent(j *Job, platformAmount, developerAmount *big.Int) *types.Event {
	attrs := jobAttributes(j)
	attrs["platformAmount"] = bigString(platformAmount)
	attrs["developerAmount"] = bigString(developerAmount)
	return &types.Event{Type: EventTypeSettled, Attributes: attrs}
}

// NewResolvedEvent records an owner-arbitrated dispute settlement.
func NewResolvedEvent(j *Job, clientShareBps uint32, clientAmount, developerAmount *big.Int) *types.Event {
	attrs := jobAttributes(j)
	attrs["clientShareBps"] = strconv.FormatUint(uint64(clientShareBps), 10)
	attrs["clientAmount"] = bigString(clientAmount)
	attrs["developerAmount"] = bigString(developerAmount)
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}

// NewFeeUpdatedEvent records an owner change to the platform fee.
func NewFeeUpdatedEvent(bps uint32) *types.Event {
	return &types.Event{Type: EventTypeFeeUpdated, Attributes: map[string]string{
		"feeBps": strconv.FormatUint(uint64(bps), 10),
	}}
}

// NewTokenListedEvent records a registry toggle.
func NewTokenListedEvent(token string, enabled bool) *types.Event {
	return &types.Event{Type: EventTypeTokenListed, Attributes: map[string]string{
		"token":   token,
		"enabled": strconv.FormatBool(enabled),
	}}
}

func jobAttributes(j *Job) map[string]string {
	attrs := make(map[string]string)
	if j == nil {
		return attrs
	}
	attrs["jobId"] = strconv.FormatUint(j.ID, 10)
	attrs["client"] = hex.EncodeToString(j.Client[:])
	attrs["developer"] = hex.EncodeToString(j.Developer[:])
	attrs["token"] = j.Token
	attrs["totalAmount"] = bigString(j.TotalAmount)
	attrs["paidAmount"] = bigString(j.PaidAmount)
	attrs["status"] = j.Status.String()
	attrs["deadline"] = strconv.FormatInt(j.Deadline, 10)
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
