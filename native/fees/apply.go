package fees

import (
	"fmt"
	"math/big"
)

const (
	// BpsDenominator is the basis-point scale: 10000 bps = 100%.
	BpsDenominator = 10_000
	// MaxPlatformFeeBps caps the platform's cut of a completion payout at 10%.
	MaxPlatformFeeBps = 1_000
)

// ValidPlatformFee reports whether bps is an acceptable platform fee.
func ValidPlatformFee(bps uint32) bool {
	return bps <= MaxPlatformFeeBps
}

// CompletionSplit is the outcome of applying the platform fee to a completed
// job's total. Platform + Developer always reconstruct the gross amount.
type CompletionSplit struct {
	Platform  *big.Int
	Developer *big.Int
}

// ApplyPlatformFee splits the gross settlement amount between the platform
// wallet and the developer. The platform share rounds down, so the developer
// absorbs the remainder and never receives less than gross minus the ceiling
// of the fee.
func ApplyPlatformFee(gross *big.Int, feeBps uint32) (CompletionSplit, error) {
	if gross == nil || gross.Sign() <= 0 {
		return CompletionSplit{}, fmt.Errorf("fees: gross amount must be positive")
	}
	if !ValidPlatformFee(feeBps) {
		return CompletionSplit{}, fmt.Errorf("fees: fee too high, max 10%%: %d bps", feeBps)
	}
	platform := new(big.Int).Mul(gross, big.NewInt(int64(feeBps)))
	platform.Div(platform, big.NewInt(BpsDenominator))
	developer := new(big.Int).Sub(gross, platform)
	return CompletionSplit{Platform: platform, Developer: developer}, nil
}

// ResolutionSplit is the outcome of arbitrating a disputed job's escrowed
// balance. Client + Developer always reconstruct the escrowed amount; no
// platform fee is charged on dispute settlements.
type ResolutionSplit struct {
	Client    *big.Int
	Developer *big.Int
}

// SplitResolution divides the escrowed amount according to the owner-chosen
// client share. The client share rounds down and the developer receives the
// remainder, preserving conservation exactly.
func SplitResolution(escrowed *big.Int, clientShareBps uint32) (ResolutionSplit, error) {
	if escrowed == nil || escrowed.Sign() < 0 {
		return ResolutionSplit{}, fmt.Errorf("fees: escrowed amount must be non-negative")
	}
	if clientShareBps > BpsDenominator {
		return ResolutionSplit{}, fmt.Errorf("fees: client share out of range: %d bps", clientShareBps)
	}
	client := new(big.Int).Mul(escrowed, big.NewInt(int64(clientShareBps)))
	client.Div(client, big.NewInt(BpsDenominator))
	developer := new(big.Int).Sub(escrowed, client)
	return ResolutionSplit{Client: client, Developer: developer}, nil
}

// FirstTranche computes the upfront deposit for a job: half the total, with
// integer division leaving any odd unit for the second tranche.
func FirstTranche(total *big.Int) (*big.Int, error) {
	if total == nil || total.Sign() <= 0 {
		return nil, fmt.Errorf("fees: total amount must be positive")
	}
	return new(big.Int).Div(total, big.NewInt(2)), nil
}
