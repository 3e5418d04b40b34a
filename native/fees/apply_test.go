package fees

import (
	"math/big"
	"testing"
)

func TestApplyPlatformFeeRoundsDownPlatformShare(t *testing.T) {
	cases := []struct {
		name      string
		gross     int64
		feeBps    uint32
		platform  int64
		developer int64
	}{
		{name: "quarter percent", gross: 1000, feeBps: 250, platform: 25, developer: 975},
		{name: "zero fee", gross: 1000, feeBps: 0, platform: 0, developer: 1000},
		{name: "max fee", gross: 1000, feeBps: 1000, platform: 100, developer: 900},
		{name: "floor rounding", gross: 999, feeBps: 250, platform: 24, developer: 975},
		{name: "tiny gross", gross: 3, feeBps: 1000, platform: 0, developer: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split, err := ApplyPlatformFee(big.NewInt(tc.gross), tc.feeBps)
			if err != nil {
				t.Fatalf("apply fee: %v", err)
			}
			if split.Platform.Int64() != tc.platform {
				t.Fatalf("platform share: want %d, got %s", tc.platform, split.Platform)
			}
			if split.Developer.Int64() != tc.developer {
				t.Fatalf("developer share: want %d, got %s", tc.developer, split.Developer)
			}
			sum := new(big.Int).Add(split.Platform, split.Developer)
			if sum.Int64() != tc.gross {
				t.Fatalf("conservation violated: %s + %s != %d", split.Platform, split.Developer, tc.gross)
			}
		})
	}
}

func TestApplyPlatformFeeRejectsExcessiveFee(t *testing.T) {
	if _, err := ApplyPlatformFee(big.NewInt(1000), 1001); err == nil {
		t.Fatalf("expected rejection above %d bps", MaxPlatformFeeBps)
	}
	if _, err := ApplyPlatformFee(big.NewInt(0), 100); err == nil {
		t.Fatalf("expected rejection of non-positive gross")
	}
	if _, err := ApplyPlatformFee(nil, 100); err == nil {
		t.Fatalf("expected rejection of nil gross")
	}
}

func TestSplitResolutionConservesEscrowedAmount(t *testing.T) {
	cases := []struct {
		name      string
		escrowed  int64
		shareBps  uint32
		client    int64
		developer int64
	}{
		{name: "sixty forty", escrowed: 500, shareBps: 6000, client: 300, developer: 200},
		{name: "all to client", escrowed: 500, shareBps: 10000, client: 500, developer: 0},
		{name: "all to developer", escrowed: 500, shareBps: 0, client: 0, developer: 500},
		{name: "floor to client", escrowed: 333, shareBps: 5000, client: 166, developer: 167},
		{name: "nothing escrowed", escrowed: 0, shareBps: 7500, client: 0, developer: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split, err := SplitResolution(big.NewInt(tc.escrowed), tc.shareBps)
			if err != nil {
				t.Fatalf("split resolution: %v", err)
			}
			if split.Client.Int64() != tc.client {
				t.Fatalf("client share: want %d, got %s", tc.client, split.Client)
			}
			if split.Developer.Int64() != tc.developer {
				t.Fatalf("developer share: want %d, got %s", tc.developer, split.Developer)
			}
			sum := new(big.Int).Add(split.Client, split.Developer)
			if sum.Int64() != tc.escrowed {
				t.Fatalf("conservation violated: %s + %s != %d", split.Client, split.Developer, tc.escrowed)
			}
		})
	}
}

func TestSplitResolutionRejectsOutOfRangeShare(t *testing.T) {
	if _, err := SplitResolution(big.NewInt(500), 10001); err == nil {
		t.Fatalf("expected rejection above %d bps", BpsDenominator)
	}
	if _, err := SplitResolution(big.NewInt(-1), 5000); err == nil {
		t.Fatalf("expected rejection of negative escrowed amount")
	}
}

func TestFirstTrancheIntegerDivision(t *testing.T) {
	tranche, err := FirstTranche(big.NewInt(1000))
	if err != nil {
		t.Fatalf("first tranche: %v", err)
	}
	if tranche.Int64() != 500 {
		t.Fatalf("want 500, got %s", tranche)
	}
	odd, err := FirstTranche(big.NewInt(1001))
	if err != nil {
		t.Fatalf("first tranche: %v", err)
	}
	// The odd unit stays with the second tranche.
	if odd.Int64() != 500 {
		t.Fatalf("want 500, got %s", odd)
	}
	if _, err := FirstTranche(big.NewInt(0)); err == nil {
		t.Fatalf("expected rejection of zero total")
	}
}
