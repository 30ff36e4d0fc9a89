/*

Core position types for the Liquidity Book keeper. A position is the set of
bins in which the wallet currently holds LB token shares, together with the
underlying token amounts those shares represent.

*/

package types

import "math/big"

// BinID identifies a discrete price bin in a Liquidity Book pair. Active ids
// are uint24 on-chain; a signed type keeps distance arithmetic simple.
type BinID int32

// Distance returns the absolute bin distance between b and other.
func (b BinID) Distance(other BinID) int {
	d := int(b) - int(other)
	if d < 0 {
		d = -d
	}
	return d
}

// BinLiquidity is the wallet's holding in a single bin.
type BinLiquidity struct {
	ID      BinID    `json:"id"`
	Shares  *big.Int `json:"shares"`   // LB token balance for this bin id
	AmountX *big.Int `json:"amount_x"` // underlying tokenX the shares redeem to
	AmountY *big.Int `json:"amount_y"` // underlying tokenY the shares redeem to
}

// Position is the wallet's full liquidity footprint in the pair, read at a
// single block height.
type Position struct {
	Bins        []BinLiquidity `json:"bins"`
	BlockNumber uint64         `json:"block_number"`
}

// IsEmpty reports whether the wallet holds no liquidity in the pair.
func (p Position) IsEmpty() bool {
	return len(p.Bins) == 0
}

// BinIDs returns the occupied bin ids in the order they were read.
func (p Position) BinIDs() []BinID {
	ids := make([]BinID, len(p.Bins))
	for i, b := range p.Bins {
		ids[i] = b.ID
	}
	return ids
}

// Width is the size of the liquidity footprint, counted in occupied bins.
func (p Position) Width() int {
	return len(p.Bins)
}

// MaxDistance returns the largest distance between any occupied bin and the
// given active bin. An empty position has distance 0.
func (p Position) MaxDistance(active BinID) int {
	max := 0
	for _, b := range p.Bins {
		if d := b.ID.Distance(active); d > max {
			max = d
		}
	}
	return max
}

// TotalAmounts sums the underlying token amounts across all occupied bins.
func (p Position) TotalAmounts() (*big.Int, *big.Int) {
	x := new(big.Int)
	y := new(big.Int)
	for _, b := range p.Bins {
		if b.AmountX != nil {
			x.Add(x, b.AmountX)
		}
		if b.AmountY != nil {
			y.Add(y, b.AmountY)
		}
	}
	return x, y
}

// WalletFunds is the wallet's liquid (non-LP) token balances, used to decide
// whether a fresh deposit is worthwhile when no position exists.
type WalletFunds struct {
	AmountX *big.Int
	AmountY *big.Int
}
