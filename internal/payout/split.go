package payout

import "math"

// FeeSplit is the audited breakdown of one payout amount.
type FeeSplit struct {
	NetCents          int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
	PlatformFeeBps    int
	ProofworkFeeBps   int
}

// Split carves the payout amount into the org's platform fee, the marketplace
// fee, and the worker's net. The platform fee comes off the top; the
// marketplace fee is taken from the worker's gross, so the three parts always
// sum back to the amount.
func Split(amountCents int64, platformBps, proofworkBps int) FeeSplit {
	platformFee := roundBps(amountCents, platformBps)
	workerGross := amountCents - platformFee
	proofworkFee := roundBps(workerGross, proofworkBps)
	return FeeSplit{
		NetCents:          workerGross - proofworkFee,
		PlatformFeeCents:  platformFee,
		ProofworkFeeCents: proofworkFee,
		PlatformFeeBps:    platformBps,
		ProofworkFeeBps:   proofworkBps,
	}
}

func roundBps(amountCents int64, bps int) int64 {
	return int64(math.Round(float64(amountCents) * float64(bps) / 10_000))
}
