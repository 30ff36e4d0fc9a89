package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Reader is the read-only view of the pool and wallet the keeper core works
// against. All errors wrap types.ErrReadFailed; no retries happen here.
// Retry policy belongs to the scheduler, which simply starts the next cycle.
type Reader interface {
	// ActiveBin returns the bin the pool currently trades around.
	ActiveBin(ctx context.Context) (types.BinID, error)
	// ReadPosition returns the wallet's current liquidity footprint.
	ReadPosition(ctx context.Context) (types.Position, error)
	// Snapshot returns the active bin and position read at (approximately)
	// the same block height, re-reading when the two straddle more blocks
	// than the configured tolerance.
	Snapshot(ctx context.Context) (types.BinID, types.Position, error)
	// NativeBalance returns the wallet's AVAX balance in wei.
	NativeBalance(ctx context.Context) (*big.Int, error)
	// TokenBalances returns the wallet's liquid tokenX/tokenY balances.
	TokenBalances(ctx context.Context) (types.WalletFunds, error)
}

// snapshotAttempts bounds how often a straddled snapshot is re-read before
// the cycle gives up and reports a read failure.
const snapshotAttempts = 3

// ActiveBin queries the pair's active id.
func (c *Client) ActiveBin(ctx context.Context) (types.BinID, error) {
	out, err := c.callABI(ctx, c.pairABI, c.pairAddr, "getActiveId")
	if err != nil {
		return 0, fmt.Errorf("%w: getActiveId: %v", types.ErrReadFailed, err)
	}
	id, ok := out[0].(*big.Int)
	if !ok || !id.IsInt64() {
		return 0, fmt.Errorf("%w: getActiveId returned unexpected value", types.ErrReadFailed)
	}
	return types.BinID(id.Int64()), nil
}

// ReadPosition scans a window of bin ids around the active bin for LB token
// balances and resolves each non-zero holding into underlying token amounts.
// LB tokens are not enumerable on-chain, so a scan window is the only way to
// discover which bins the wallet occupies.
func (c *Client) ReadPosition(ctx context.Context) (types.Position, error) {
	active, err := c.ActiveBin(ctx)
	if err != nil {
		return types.Position{}, err
	}

	block, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: block number: %v", types.ErrReadFailed, err)
	}

	low := int64(active) - int64(c.scanRange)
	if low < 0 {
		low = 0
	}
	high := int64(active) + int64(c.scanRange)

	n := int(high - low + 1)
	accounts := make([]common.Address, n)
	ids := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		accounts[i] = c.account
		ids[i] = big.NewInt(low + int64(i))
	}

	out, err := c.callABI(ctx, c.pairABI, c.pairAddr, "balanceOfBatch", accounts, ids)
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: balanceOfBatch: %v", types.ErrReadFailed, err)
	}
	balances, ok := out[0].([]*big.Int)
	if !ok || len(balances) != n {
		return types.Position{}, fmt.Errorf("%w: balanceOfBatch returned unexpected shape", types.ErrReadFailed)
	}

	pos := types.Position{BlockNumber: block}
	for i, shares := range balances {
		if shares == nil || shares.Sign() == 0 {
			continue
		}
		id := types.BinID(low + int64(i))
		amountX, amountY, err := c.binAmounts(ctx, id, shares)
		if err != nil {
			return types.Position{}, err
		}
		pos.Bins = append(pos.Bins, types.BinLiquidity{
			ID:      id,
			Shares:  new(big.Int).Set(shares),
			AmountX: amountX,
			AmountY: amountY,
		})
	}
	return pos, nil
}

// binAmounts converts LB shares in one bin into the underlying token amounts:
// amount = binReserve * shares / totalSupply.
func (c *Client) binAmounts(ctx context.Context, id types.BinID, shares *big.Int) (*big.Int, *big.Int, error) {
	out, err := c.callABI(ctx, c.pairABI, c.pairAddr, "getBin", big.NewInt(int64(id)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: getBin(%d): %v", types.ErrReadFailed, id, err)
	}
	reserveX, okX := out[0].(*big.Int)
	reserveY, okY := out[1].(*big.Int)
	if !okX || !okY {
		return nil, nil, fmt.Errorf("%w: getBin(%d) returned unexpected values", types.ErrReadFailed, id)
	}

	out, err = c.callABI(ctx, c.pairABI, c.pairAddr, "totalSupply", big.NewInt(int64(id)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: totalSupply(%d): %v", types.ErrReadFailed, id, err)
	}
	supply, ok := out[0].(*big.Int)
	if !ok || supply.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: totalSupply(%d) is zero for a non-zero balance", types.ErrReadFailed, id)
	}

	amountX := new(big.Int).Div(new(big.Int).Mul(reserveX, shares), supply)
	amountY := new(big.Int).Div(new(big.Int).Mul(reserveY, shares), supply)
	return amountX, amountY, nil
}

// Snapshot reads the active bin and the position, re-reading when the pair of
// reads straddled more than the tolerated number of blocks. Comparing a stale
// active bin against a fresh position (or the reverse) is what this prevents.
func (c *Client) Snapshot(ctx context.Context) (types.BinID, types.Position, error) {
	return consistentSnapshot(ctx, c.blockTolerance, snapshotAttempts, c.eth.BlockNumber, func(ctx context.Context) (types.BinID, types.Position, error) {
		active, err := c.ActiveBin(ctx)
		if err != nil {
			return 0, types.Position{}, err
		}
		pos, err := c.ReadPosition(ctx)
		if err != nil {
			return 0, types.Position{}, err
		}
		return active, pos, nil
	})
}

// consistentSnapshot retries read until it completes within tolerance blocks.
func consistentSnapshot(
	ctx context.Context,
	tolerance uint64,
	attempts int,
	blockNumber func(context.Context) (uint64, error),
	read func(context.Context) (types.BinID, types.Position, error),
) (types.BinID, types.Position, error) {
	var lastDrift uint64
	for i := 0; i < attempts; i++ {
		before, err := blockNumber(ctx)
		if err != nil {
			return 0, types.Position{}, fmt.Errorf("%w: block number: %v", types.ErrReadFailed, err)
		}
		active, pos, err := read(ctx)
		if err != nil {
			return 0, types.Position{}, err
		}
		after, err := blockNumber(ctx)
		if err != nil {
			return 0, types.Position{}, fmt.Errorf("%w: block number: %v", types.ErrReadFailed, err)
		}
		if after-before <= tolerance {
			return active, pos, nil
		}
		lastDrift = after - before
	}
	return 0, types.Position{}, fmt.Errorf("%w: snapshot straddled %d blocks after %d attempts", types.ErrReadFailed, lastDrift, attempts)
}

// NativeBalance returns the wallet's AVAX balance in wei.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, c.account, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", types.ErrReadFailed, err)
	}
	return bal, nil
}

// TokenBalances returns the wallet's liquid ERC20 balances for both tokens.
func (c *Client) TokenBalances(ctx context.Context) (types.WalletFunds, error) {
	x, err := c.erc20Balance(ctx, c.tokenX)
	if err != nil {
		return types.WalletFunds{}, err
	}
	y, err := c.erc20Balance(ctx, c.tokenY)
	if err != nil {
		return types.WalletFunds{}, err
	}
	return types.WalletFunds{AmountX: x, AmountY: y}, nil
}

func (c *Client) erc20Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := c.callABI(ctx, c.erc20ABI, token, "balanceOf", c.account)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf(%s): %v", types.ErrReadFailed, token.Hex(), err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned unexpected value", types.ErrReadFailed)
	}
	return bal, nil
}
