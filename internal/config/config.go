package config

import (
	"errors"
	"math/big"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Application configuration loaded from environment variables. Populated once
// at startup by LoadConfig; the keeper core receives these as already
// validated values and never touches the environment again.
var (
	// RPCURL is the JSON-RPC endpoint of the Avalanche C-Chain node.
	RPCURL string
	// ChainID of the target network (43114 for Avalanche mainnet).
	ChainID int64
	// PrivateKeyHex is the signing key for the keeper wallet (no 0x prefix).
	PrivateKeyHex string

	// PairAddress is the LB pair contract managing the pool.
	PairAddress string
	// RouterAddress is the LB router used for liquidity and swap operations.
	RouterAddress string
	// TokenXAddress and TokenYAddress are the pair's underlying ERC20 tokens.
	TokenXAddress string
	TokenYAddress string
	// BinStep is the pair's bin step in basis points.
	BinStep uint16

	// RewardRange is the maximum bin distance from the active bin within
	// which a position still earns rewards.
	RewardRange int
	// DefaultRangeWidth is the footprint width used for fresh deposits when
	// no position exists yet.
	DefaultRangeWidth int
	// GasReserveWei is the native balance that must survive every planned
	// transaction. Nothing is submitted if it would dip below this.
	GasReserveWei *big.Int
	// MinDepositWei is the minimum combined liquid token balance (in wei of
	// either token) worth depositing when the position is empty.
	MinDepositWei *big.Int
	// LoopInterval is the cycle interval floor, in seconds.
	LoopIntervalSeconds int

	// ScanRange is how many bins on each side of the active bin the position
	// reader scans for LB token balances.
	ScanRange int
	// BlockTolerance is the maximum block drift allowed between the active
	// bin read and the position read of one snapshot.
	BlockTolerance uint64
	// TxWaitSeconds bounds how long a submitted transaction is awaited.
	TxWaitSeconds int
	// SlippageBps is the tolerated swap slippage in basis points.
	SlippageBps int64

	// LogLevel for the global logger (debug, info, warn, error).
	LogLevel string
	// DatabaseURL is the Postgres connection string for cycle snapshots.
	DatabaseURL string
	// WebPort serves the dashboard and read-only API.
	WebPort string
	// LiveMode must be explicitly enabled; otherwise the keeper decides and
	// records but submits nothing.
	LiveMode bool

	// AdvisorEnabled turns the LLM advisory hook on.
	AdvisorEnabled bool
	// LLMProvider selects the advisor backend (ollama or openai).
	LLMProvider string
	// LLMModel overrides the provider's default model.
	LLMModel string
	// LLMBaseURL overrides the ollama endpoint.
	LLMBaseURL string
	// OpenAIAPIKey authenticates the openai provider.
	OpenAIAPIKey string
	// LLMTimeoutSeconds bounds each advisory request.
	LLMTimeoutSeconds int

	// TelegramBotToken and TelegramChatID configure operator escalation.
	// Both empty disables the notifier.
	TelegramBotToken string
	TelegramChatID   string
)

// weiPerAVAX converts whole AVAX amounts to wei.
var weiPerAVAX = decimal.New(1, 18)

// LoadConfig loads configuration from environment variables and sets the
// package-level config vars. Chain and contract settings are required; policy
// knobs fall back to the defaults the keeper was originally run with.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	RPCURL, err = getEnv("RPC_URL")
	if err != nil {
		return err
	}

	ChainID, err = getEnvAsInt64("CHAIN_ID")
	if err != nil {
		return err
	}

	PrivateKeyHex, err = getEnv("PRIVATE_KEY")
	if err != nil {
		return err
	}

	PairAddress, err = getEnv("LB_PAIR_ADDRESS")
	if err != nil {
		return err
	}

	RouterAddress, err = getEnv("LB_ROUTER_ADDRESS")
	if err != nil {
		return err
	}

	TokenXAddress, err = getEnv("TOKEN_X_ADDRESS")
	if err != nil {
		return err
	}

	TokenYAddress, err = getEnv("TOKEN_Y_ADDRESS")
	if err != nil {
		return err
	}

	binStep, err := getEnvAsInt64("BIN_STEP")
	if err != nil {
		return err
	}
	if binStep <= 0 || binStep > 65535 {
		return errors.New("BIN_STEP must be a positive uint16 basis point value")
	}
	BinStep = uint16(binStep)

	RewardRange = getEnvAsIntOr("REWARD_RANGE", 2)
	if RewardRange < 0 {
		return errors.New("REWARD_RANGE must be non-negative")
	}

	DefaultRangeWidth = getEnvAsIntOr("DEFAULT_RANGE_WIDTH", 5)
	if DefaultRangeWidth <= 0 {
		return errors.New("DEFAULT_RANGE_WIDTH must be positive")
	}

	GasReserveWei, err = getEnvAsAVAXWei("GAS_RESERVE_AVAX", "0.2")
	if err != nil {
		return err
	}

	MinDepositWei, err = getEnvAsAVAXWei("MIN_DEPOSIT", "0")
	if err != nil {
		return err
	}

	LoopIntervalSeconds = getEnvAsIntOr("LOOP_INTERVAL_SECONDS", 180)
	ScanRange = getEnvAsIntOr("SCAN_RANGE", 200)
	BlockTolerance = uint64(getEnvAsIntOr("BLOCK_TOLERANCE", 1))
	TxWaitSeconds = getEnvAsIntOr("TX_WAIT_SECONDS", 120)
	SlippageBps = int64(getEnvAsIntOr("SLIPPAGE_BPS", 100))

	LogLevel = getEnvOr("LOG_LEVEL", "info")
	DatabaseURL, err = getEnv("DATABASE_URL")
	if err != nil {
		return err
	}
	WebPort = getEnvOr("WEB_PORT", "8080")
	LiveMode = getEnvOr("KEEPER_MODE", "dry-run") == "live"

	AdvisorEnabled = getEnvOr("ADVISOR_ENABLED", "false") == "true"
	LLMProvider = getEnvOr("LLM_PROVIDER", "ollama")
	LLMModel = getEnvOr("LLM_MODEL", "")
	LLMBaseURL = getEnvOr("LLM_BASE_URL", "")
	OpenAIAPIKey = getEnvOr("OPENAI_API_KEY", "")
	LLMTimeoutSeconds = getEnvAsIntOr("LLM_TIMEOUT_SECONDS", 30)

	TelegramBotToken = getEnvOr("TELEGRAM_BOT_TOKEN", "")
	TelegramChatID = getEnvOr("TELEGRAM_CHAT_ID", "")

	log.Debug().
		Int64("ChainID", ChainID).
		Str("Pair", PairAddress).
		Int("RewardRange", RewardRange).
		Str("GasReserveWei", GasReserveWei.String()).
		Int("LoopIntervalSeconds", LoopIntervalSeconds).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOr retrieves a string environment variable with a default.
func getEnvOr(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 retrieves an environment variable as an int64. Required.
func getEnvAsInt64(key string) (int64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsIntOr retrieves an int environment variable with a default.
func getEnvAsIntOr(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Str("value", valueStr).Int("default", defaultValue).
			Msg("Invalid integer environment variable, using default")
		return defaultValue
	}
	return value
}

// getEnvAsAVAXWei parses a decimal AVAX amount (e.g. "0.2") into wei.
func getEnvAsAVAXWei(key, defaultValue string) (*big.Int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		valueStr = defaultValue
	}
	dec, err := decimal.NewFromString(valueStr)
	if err != nil {
		return nil, errors.New("environment variable " + key + " must be a decimal amount, got: " + valueStr)
	}
	if dec.IsNegative() {
		return nil, errors.New("environment variable " + key + " must not be negative")
	}
	return dec.Mul(weiPerAVAX).BigInt(), nil
}
