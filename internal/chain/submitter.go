package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Per-step gas ceilings used for the reserve pre-check. Deliberately generous:
// the guard must fail closed, never optimistic.
const (
	withdrawGasLimit = 900_000
	swapGasLimit     = 500_000
	depositGasLimit  = 1_500_000
)

// realIDShift is the offset of bin id 0 from price 1.0 in Liquidity Book
// (ids are uint24 centered on 2^23).
const realIDShift = 1 << 23

// distributionPrecision is the router's fixed-point base for distributions.
var distributionPrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// StepResult reports one mined transaction.
type StepResult struct {
	TxHash  string
	GasUsed uint64
	Cost    *big.Int // wei actually paid for gas
}

// Submitter executes the individual steps of a rebalance plan. Each call is a
// single submission attempt: a timeout or failure is reported, never retried
// here. The executor decides what a failed step means for the plan.
type Submitter interface {
	// EstimateStepCost returns a conservative wei cost for the given stage,
	// used by the gas-reserve guard before every submission.
	EstimateStepCost(ctx context.Context, stage types.WorkflowStage) (*big.Int, error)
	// RemoveLiquidity drains the given bins through the router.
	RemoveLiquidity(ctx context.Context, bins []types.BinLiquidity) (*StepResult, error)
	// Swap rebalances the wallet's token mix toward what the plan's target
	// range needs, swapping half of the overweight side.
	Swap(ctx context.Context, plan *types.RebalancePlan) (*StepResult, error)
	// AddLiquidity deposits the wallet's liquid token balances across the
	// plan's target range.
	AddLiquidity(ctx context.Context, plan *types.RebalancePlan) (*StepResult, error)
}

func gasLimitFor(stage types.WorkflowStage) (uint64, error) {
	switch stage {
	case types.StageWithdrawing:
		return withdrawGasLimit, nil
	case types.StageSwapping:
		return swapGasLimit, nil
	case types.StageDepositing:
		return depositGasLimit, nil
	default:
		return 0, fmt.Errorf("no gas limit for stage %s", stage)
	}
}

// EstimateStepCost prices a stage's gas ceiling at the current gas price.
func (c *Client) EstimateStepCost(ctx context.Context, stage types.WorkflowStage) (*big.Int, error) {
	limit, err := gasLimitFor(stage)
	if err != nil {
		return nil, err
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", types.ErrReadFailed, err)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(limit)), nil
}

// RemoveLiquidity withdraws all shares from the given bins via the router,
// approving the router on the pair first if needed.
func (c *Client) RemoveLiquidity(ctx context.Context, bins []types.BinLiquidity) (*StepResult, error) {
	if len(bins) == 0 {
		return nil, fmt.Errorf("%w: no bins to withdraw", types.ErrSubmissionFailed)
	}

	if err := c.ensurePairApproval(ctx); err != nil {
		return nil, err
	}

	ids := make([]*big.Int, len(bins))
	amounts := make([]*big.Int, len(bins))
	totalX := new(big.Int)
	totalY := new(big.Int)
	for i, b := range bins {
		ids[i] = big.NewInt(int64(b.ID))
		amounts[i] = new(big.Int).Set(b.Shares)
		if b.AmountX != nil {
			totalX.Add(totalX, b.AmountX)
		}
		if b.AmountY != nil {
			totalY.Add(totalY, b.AmountY)
		}
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.router.Transact(opts, "removeLiquidity",
		c.tokenX, c.tokenY, c.binStep,
		applySlippage(totalX, c.slippageBps), applySlippage(totalY, c.slippageBps),
		ids, amounts, c.account, txDeadline(c.txWait),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: removeLiquidity: %v", types.ErrSubmissionFailed, err)
	}

	c.logger.Info().Str("txHash", tx.Hash().Hex()).Int("bins", len(bins)).Msg("Withdrawal submitted")
	return c.waitMined(ctx, tx)
}

// Swap converts half of the overweight token into the other side. The plan
// only tells us a swap is needed; amounts come from live balances.
func (c *Client) Swap(ctx context.Context, plan *types.RebalancePlan) (*StepResult, error) {
	funds, err := c.TokenBalances(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.ActiveBin(ctx)
	if err != nil {
		return nil, err
	}

	// price = tokenY per tokenX at the active bin.
	price := priceFromID(c.binStep, active)

	xToY := funds.AmountX.Cmp(valueInX(funds.AmountY, price)) > 0
	var tokenIn, tokenOut common.Address
	var amountIn *big.Int
	if xToY {
		tokenIn, tokenOut = c.tokenX, c.tokenY
		amountIn = new(big.Int).Rsh(funds.AmountX, 1)
	} else {
		tokenIn, tokenOut = c.tokenY, c.tokenX
		amountIn = new(big.Int).Rsh(funds.AmountY, 1)
	}
	if amountIn.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to swap", types.ErrSubmissionFailed)
	}

	amountOutMin := applySlippage(convertAtPrice(amountIn, price, xToY), c.slippageBps)

	if err := c.ensureAllowance(ctx, tokenIn, amountIn); err != nil {
		return nil, err
	}

	path := lbPath{
		PairBinSteps: []*big.Int{big.NewInt(int64(c.binStep))},
		Versions:     []uint8{2}, // V2_1 router version enum
		TokenPath:    []common.Address{tokenIn, tokenOut},
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.router.Transact(opts, "swapExactTokensForTokens",
		amountIn, amountOutMin, path, c.account, txDeadline(c.txWait),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: swapExactTokensForTokens: %v", types.ErrSubmissionFailed, err)
	}

	c.logger.Info().
		Str("txHash", tx.Hash().Hex()).
		Bool("xToY", xToY).
		Str("amountIn", amountIn.String()).
		Msg("Swap submitted")
	return c.waitMined(ctx, tx)
}

// lbPath mirrors the router's ILBRouter.Path tuple.
type lbPath struct {
	PairBinSteps []*big.Int
	Versions     []uint8
	TokenPath    []common.Address
}

// liquidityParameters mirrors the router's ILBRouter.LiquidityParameters tuple.
type liquidityParameters struct {
	TokenX          common.Address
	TokenY          common.Address
	BinStep         *big.Int
	AmountX         *big.Int
	AmountY         *big.Int
	AmountXMin      *big.Int
	AmountYMin      *big.Int
	ActiveIdDesired *big.Int
	IdSlippage      *big.Int
	DeltaIds        []*big.Int
	DistributionX   []*big.Int
	DistributionY   []*big.Int
	To              common.Address
	RefundTo        common.Address
	Deadline        *big.Int
}

// binIDSlippage is how many bins the active id may move between submission
// and inclusion before the router rejects the deposit.
const binIDSlippage = 5

// AddLiquidity deposits the wallet's liquid balances across the target range,
// splitting tokenX above the active bin and tokenY below it.
func (c *Client) AddLiquidity(ctx context.Context, plan *types.RebalancePlan) (*StepResult, error) {
	funds, err := c.TokenBalances(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.ActiveBin(ctx)
	if err != nil {
		return nil, err
	}

	deltaIds, distX, distY := buildDistributions(plan.TargetBins(), active)
	if len(deltaIds) == 0 {
		return nil, fmt.Errorf("%w: empty target range", types.ErrSubmissionFailed)
	}

	amountX := new(big.Int)
	amountY := new(big.Int)
	if hasWeight(distX) {
		amountX.Set(funds.AmountX)
	}
	if hasWeight(distY) {
		amountY.Set(funds.AmountY)
	}
	if amountX.Sign() == 0 && amountY.Sign() == 0 {
		return nil, fmt.Errorf("%w: no liquid funds to deposit", types.ErrSubmissionFailed)
	}

	if amountX.Sign() > 0 {
		if err := c.ensureAllowance(ctx, c.tokenX, amountX); err != nil {
			return nil, err
		}
	}
	if amountY.Sign() > 0 {
		if err := c.ensureAllowance(ctx, c.tokenY, amountY); err != nil {
			return nil, err
		}
	}

	params := liquidityParameters{
		TokenX:          c.tokenX,
		TokenY:          c.tokenY,
		BinStep:         big.NewInt(int64(c.binStep)),
		AmountX:         amountX,
		AmountY:         amountY,
		AmountXMin:      applySlippage(amountX, c.slippageBps),
		AmountYMin:      applySlippage(amountY, c.slippageBps),
		ActiveIdDesired: big.NewInt(int64(active)),
		IdSlippage:      big.NewInt(binIDSlippage),
		DeltaIds:        deltaIds,
		DistributionX:   distX,
		DistributionY:   distY,
		To:              c.account,
		RefundTo:        c.account,
		Deadline:        txDeadline(c.txWait),
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.router.Transact(opts, "addLiquidity", params)
	if err != nil {
		return nil, fmt.Errorf("%w: addLiquidity: %v", types.ErrSubmissionFailed, err)
	}

	c.logger.Info().
		Str("txHash", tx.Hash().Hex()).
		Int("bins", len(deltaIds)).
		Str("amountX", amountX.String()).
		Str("amountY", amountY.String()).
		Msg("Deposit submitted")
	return c.waitMined(ctx, tx)
}

// buildDistributions splits the deposit over the target bins the way the
// router expects: bins above the active id take tokenX, bins below take
// tokenY, and the active bin (when inside the range) takes an equal share of
// both. Distributions are fixed-point fractions summing to 1e18 per token.
func buildDistributions(targetBins []types.BinID, active types.BinID) ([]*big.Int, []*big.Int, []*big.Int) {
	if len(targetBins) == 0 {
		return nil, nil, nil
	}

	xBins := 0
	yBins := 0
	for _, id := range targetBins {
		if id >= active {
			xBins++
		}
		if id <= active {
			yBins++
		}
	}

	deltaIds := make([]*big.Int, len(targetBins))
	distX := make([]*big.Int, len(targetBins))
	distY := make([]*big.Int, len(targetBins))

	var xRemaining, yRemaining *big.Int
	var xShare, yShare *big.Int
	if xBins > 0 {
		xShare = new(big.Int).Div(distributionPrecision, big.NewInt(int64(xBins)))
		xRemaining = new(big.Int).Set(distributionPrecision)
	}
	if yBins > 0 {
		yShare = new(big.Int).Div(distributionPrecision, big.NewInt(int64(yBins)))
		yRemaining = new(big.Int).Set(distributionPrecision)
	}

	xSeen := 0
	ySeen := 0
	for i, id := range targetBins {
		deltaIds[i] = big.NewInt(int64(id) - int64(active))
		distX[i] = new(big.Int)
		distY[i] = new(big.Int)
		if id >= active && xBins > 0 {
			xSeen++
			if xSeen == xBins {
				distX[i].Set(xRemaining) // last bin absorbs rounding dust
			} else {
				distX[i].Set(xShare)
				xRemaining.Sub(xRemaining, xShare)
			}
		}
		if id <= active && yBins > 0 {
			ySeen++
			if ySeen == yBins {
				distY[i].Set(yRemaining)
			} else {
				distY[i].Set(yShare)
				yRemaining.Sub(yRemaining, yShare)
			}
		}
	}
	return deltaIds, distX, distY
}

func hasWeight(dist []*big.Int) bool {
	for _, d := range dist {
		if d != nil && d.Sign() > 0 {
			return true
		}
	}
	return false
}

// priceFromID returns the tokenY-per-tokenX price implied by a bin id:
// (1 + binStep/10000)^(id - 2^23).
func priceFromID(binStep uint16, id types.BinID) float64 {
	base := 1.0 + float64(binStep)/10_000.0
	return math.Pow(base, float64(int64(id)-realIDShift))
}

// convertAtPrice converts an input amount across the pair at the given
// tokenY-per-tokenX price. xToY converts X in, Y out; otherwise the reverse.
func convertAtPrice(amountIn *big.Int, price float64, xToY bool) *big.Int {
	f := new(big.Float).SetInt(amountIn)
	if xToY {
		f.Mul(f, big.NewFloat(price))
	} else {
		if price == 0 {
			return new(big.Int)
		}
		f.Quo(f, big.NewFloat(price))
	}
	out, _ := f.Int(nil)
	return out
}

// valueInX expresses a tokenY amount in tokenX units at the given price.
func valueInX(amountY *big.Int, price float64) *big.Int {
	return convertAtPrice(amountY, price, false)
}

// applySlippage reduces an amount by the configured basis points.
func applySlippage(amount *big.Int, bps int64) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Div(out, big.NewInt(10_000))
}

// ensurePairApproval grants the router operator rights on the pair's LB
// tokens if it does not already have them.
func (c *Client) ensurePairApproval(ctx context.Context) error {
	out, err := c.callABI(ctx, c.pairABI, c.pairAddr, "isApprovedForAll", c.account, c.routerAddr)
	if err != nil {
		return fmt.Errorf("%w: isApprovedForAll: %v", types.ErrReadFailed, err)
	}
	if approved, ok := out[0].(bool); ok && approved {
		return nil
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.pair.Transact(opts, "approveForAll", c.routerAddr, true)
	if err != nil {
		return fmt.Errorf("%w: approveForAll: %v", types.ErrSubmissionFailed, err)
	}
	c.logger.Info().Str("txHash", tx.Hash().Hex()).Msg("Pair approval submitted")
	_, err = c.waitMined(ctx, tx)
	return err
}

// ensureAllowance approves the router for the given ERC20 amount if the
// current allowance does not cover it.
func (c *Client) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	out, err := c.callABI(ctx, c.erc20ABI, token, "allowance", c.account, c.routerAddr)
	if err != nil {
		return fmt.Errorf("%w: allowance: %v", types.ErrReadFailed, err)
	}
	if allowance, ok := out[0].(*big.Int); ok && allowance.Cmp(amount) >= 0 {
		return nil
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	erc20 := bind.NewBoundContract(token, c.erc20ABI, c.eth, c.eth, c.eth)
	tx, err := erc20.Transact(opts, "approve", c.routerAddr, amount)
	if err != nil {
		return fmt.Errorf("%w: approve: %v", types.ErrSubmissionFailed, err)
	}
	c.logger.Info().Str("txHash", tx.Hash().Hex()).Str("token", token.Hex()).Msg("Allowance approval submitted")
	_, err = c.waitMined(ctx, tx)
	return err
}

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: transactor: %v", types.ErrSubmissionFailed, err)
	}
	opts.Context = ctx
	return opts, nil
}

// waitMined blocks until the transaction is included or the wait window
// lapses. A timeout is reported as a submission failure: the transaction may
// still land, so callers must re-verify state instead of resubmitting.
func (c *Client) waitMined(ctx context.Context, tx *ethtypes.Transaction) (*StepResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.txWait)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tx %s not mined within %s", types.ErrSubmissionFailed, tx.Hash().Hex(), c.txWait)
		}
		return nil, fmt.Errorf("%w: waiting for tx %s: %v", types.ErrSubmissionFailed, tx.Hash().Hex(), err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s reverted", types.ErrSubmissionFailed, tx.Hash().Hex())
	}

	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	cost := new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))

	return &StepResult{
		TxHash:  tx.Hash().Hex(),
		GasUsed: receipt.GasUsed,
		Cost:    cost,
	}, nil
}

func txDeadline(wait time.Duration) *big.Int {
	return big.NewInt(time.Now().Add(wait).Unix())
}
