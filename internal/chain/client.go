/*

EVM client for the Liquidity Book pair and router contracts. Wraps a single
ethclient connection plus the bound contracts and signing key the keeper
needs. Read paths implement the Reader interface (reader.go); transaction
paths implement the Submitter interface (submitter.go).

*/

package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/0xvermeer/lbkeeper/internal/config"
	"github.com/0xvermeer/lbkeeper/internal/logger"
)

const lbPairABIJSON = `[
	{"type":"function","name":"getActiveId","stateMutability":"view","inputs":[],"outputs":[{"name":"activeId","type":"uint24"}]},
	{"type":"function","name":"getBin","stateMutability":"view","inputs":[{"name":"id","type":"uint24"}],"outputs":[{"name":"binReserveX","type":"uint128"},{"name":"binReserveY","type":"uint128"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOfBatch","stateMutability":"view","inputs":[{"name":"accounts","type":"address[]"},{"name":"ids","type":"uint256[]"}],"outputs":[{"name":"batchBalances","type":"uint256[]"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approveForAll","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]}
]`

const lbRouterABIJSON = `[
	{"type":"function","name":"removeLiquidity","stateMutability":"nonpayable","inputs":[
		{"name":"tokenX","type":"address"},{"name":"tokenY","type":"address"},{"name":"binStep","type":"uint16"},
		{"name":"amountXMin","type":"uint256"},{"name":"amountYMin","type":"uint256"},
		{"name":"ids","type":"uint256[]"},{"name":"amounts","type":"uint256[]"},
		{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
		"outputs":[{"name":"amountX","type":"uint256"},{"name":"amountY","type":"uint256"}]},
	{"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[
		{"name":"liquidityParameters","type":"tuple","components":[
			{"name":"tokenX","type":"address"},{"name":"tokenY","type":"address"},{"name":"binStep","type":"uint256"},
			{"name":"amountX","type":"uint256"},{"name":"amountY","type":"uint256"},
			{"name":"amountXMin","type":"uint256"},{"name":"amountYMin","type":"uint256"},
			{"name":"activeIdDesired","type":"uint256"},{"name":"idSlippage","type":"uint256"},
			{"name":"deltaIds","type":"int256[]"},
			{"name":"distributionX","type":"uint256[]"},{"name":"distributionY","type":"uint256[]"},
			{"name":"to","type":"address"},{"name":"refundTo","type":"address"},{"name":"deadline","type":"uint256"}]}],
		"outputs":[
			{"name":"amountXAdded","type":"uint256"},{"name":"amountYAdded","type":"uint256"},
			{"name":"amountXLeft","type":"uint256"},{"name":"amountYLeft","type":"uint256"},
			{"name":"depositIds","type":"uint256[]"},{"name":"liquidityMinted","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[
		{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"tuple","components":[
			{"name":"pairBinSteps","type":"uint256[]"},{"name":"versions","type":"uint8[]"},{"name":"tokenPath","type":"address[]"}]},
		{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
		"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Client holds the ethclient connection, the bound LB contracts and the
// signing key. It satisfies both Reader and Submitter.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	account common.Address

	pairAddr   common.Address
	routerAddr common.Address
	tokenX     common.Address
	tokenY     common.Address
	binStep    uint16

	pairABI   abi.ABI
	routerABI abi.ABI
	erc20ABI  abi.ABI
	pair      *bind.BoundContract
	router    *bind.BoundContract

	scanRange      int
	blockTolerance uint64
	txWait         time.Duration
	slippageBps    int64

	logger zerolog.Logger
}

// NewClient dials the configured RPC endpoint and binds the pair and router
// contracts. Dial or key errors here are startup-fatal by design: the keeper
// must not enter its loop without a working chain connection.
func NewClient(ctx context.Context) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC endpoint: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	pairABI, err := abi.JSON(strings.NewReader(lbPairABIJSON))
	if err != nil {
		return nil, fmt.Errorf("pair abi parse: %w", err)
	}
	routerABI, err := abi.JSON(strings.NewReader(lbRouterABIJSON))
	if err != nil {
		return nil, fmt.Errorf("router abi parse: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("erc20 abi parse: %w", err)
	}

	c := &Client{
		eth:            eth,
		chainID:        big.NewInt(config.ChainID),
		key:            key,
		account:        crypto.PubkeyToAddress(key.PublicKey),
		pairAddr:       common.HexToAddress(config.PairAddress),
		routerAddr:     common.HexToAddress(config.RouterAddress),
		tokenX:         common.HexToAddress(config.TokenXAddress),
		tokenY:         common.HexToAddress(config.TokenYAddress),
		binStep:        config.BinStep,
		pairABI:        pairABI,
		routerABI:      routerABI,
		erc20ABI:       erc20ABI,
		scanRange:      config.ScanRange,
		blockTolerance: config.BlockTolerance,
		txWait:         time.Duration(config.TxWaitSeconds) * time.Second,
		slippageBps:    config.SlippageBps,
		logger:         logger.GetForComponent("chain_client"),
	}
	c.pair = bind.NewBoundContract(c.pairAddr, pairABI, eth, eth, eth)
	c.router = bind.NewBoundContract(c.routerAddr, routerABI, eth, eth, eth)

	// Verify the endpoint actually serves the configured chain.
	onchainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if onchainID.Cmp(c.chainID) != 0 {
		return nil, fmt.Errorf("chain id mismatch: endpoint=%s config=%s", onchainID, c.chainID)
	}

	c.logger.Info().
		Str("account", c.account.Hex()).
		Str("pair", c.pairAddr.Hex()).
		Str("router", c.routerAddr.Hex()).
		Msg("Chain client initialized")

	return c, nil
}

// Account returns the keeper wallet address.
func (c *Client) Account() common.Address {
	return c.account
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// callABI performs a read-only contract call and unpacks the result.
func (c *Client) callABI(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return contractABI.Unpack(method, out)
}
