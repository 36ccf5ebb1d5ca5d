package engine

// FeeRate divides net profit on redeem; losses and break-even payouts are
// free of charge.
const FeeRate = 100

// Fee returns the profit fee charged when a seat redeems balance chips after
// having staked staked chips in total. Integer division, floor.
func Fee(balance, staked int64) int64 {
	if balance <= staked {
		return 0
	}
	return (balance - staked) / FeeRate
}
