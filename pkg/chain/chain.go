// Package chain owns the RPC connection and the executor signing key. It is
// the only package that can move tokens: everything else goes through the
// executor bridge, which delegates here.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voicepay-hq/voicepay/pkg/logger"
)

// USDCDecimals is the number of decimals of the settlement token.
const USDCDecimals = 6

// recurringABI covers the single privileged entry point of the recurring
// payments contract. The executor pulls tokens from the payer under a prior
// ERC-20 allowance.
const recurringABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "token", "type": "address"},
			{"internalType": "address", "name": "from", "type": "address"},
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes32", "name": "scheduleId", "type": "bytes32"}
		],
		"name": "pullPayment",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Client submits pull payments through the recurring payments contract.
// A mutex keeps at most one transaction pending per executor key, which is
// all the nonce discipline a single-key sender needs.
type Client struct {
	rpc          *ethclient.Client
	auth         *bind.TransactOpts
	contract     *bind.BoundContract
	contractAddr common.Address
	token        common.Address
	mu           sync.Mutex
	logger       logger.Logger
}

// Connect dials the RPC endpoint and prepares the contract binding and the
// executor transactor.
func Connect(rpcURL, privateKeyHex, contractAddr, tokenAddr string, log logger.Logger) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %v", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse executor key: %v", err)
	}

	chainID, err := rpc.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	parsed, err := abi.JSON(strings.NewReader(recurringABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %v", err)
	}

	addr := common.HexToAddress(contractAddr)
	contract := bind.NewBoundContract(addr, parsed, rpc, rpc, rpc)

	log.InfoWith(logger.Executor, "Connected to chain %s, executor %s, contract %s",
		chainID.String(), auth.From.Hex(), addr.Hex())

	return &Client{
		rpc:          rpc,
		auth:         auth,
		contract:     contract,
		contractAddr: addr,
		token:        common.HexToAddress(tokenAddr),
		logger:       log,
	}, nil
}

// ExecutorAddress returns the address of the server-held executor key.
func (c *Client) ExecutorAddress() common.Address {
	return c.auth.From
}

// Token returns the settlement token address.
func (c *Client) Token() common.Address {
	return c.token
}

// LatestBlockNumber gets the latest block number from the chain.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

// PullPayment submits pullPayment(token, from, to, amount, scheduleId) and
// waits for one confirmation. It returns the transaction hash on inclusion.
// Calls are serialized so the executor key never has more than one pending
// transaction.
func (c *Client) PullPayment(ctx context.Context, from, to common.Address, amount *big.Int, scheduleID uuid.UUID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.auth
	opts.Context = ctx

	gasPrice, err := c.suggestGasPrice(ctx)
	if err != nil {
		c.logger.NoticeWith(logger.Executor, "Failed to refresh gas price, using node default: %v", err)
	} else {
		opts.GasPrice = gasPrice
	}

	tx, err := c.contract.Transact(&opts, "pullPayment", c.token, from, to, amount, ScheduleIDToBytes32(scheduleID))
	if err != nil {
		return "", fmt.Errorf("failed to submit pullPayment: %v", err)
	}

	c.logger.InfoWith(logger.Executor, "Submitted pullPayment for schedule %s: %s (from %s to %s, amount %s)",
		scheduleID, tx.Hash().Hex(), from.Hex(), to.Hex(), amount.String())

	receipt, err := bind.WaitMined(ctx, c.rpc, tx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for pullPayment inclusion: %v", err)
	}
	if receipt.Status == 0 {
		return "", fmt.Errorf("execution reverted: pullPayment %s", tx.Hash().Hex())
	}

	c.logger.InfoWith(logger.Executor, "pullPayment confirmed for schedule %s in block %d (gas used: %d)",
		scheduleID, receipt.BlockNumber.Uint64(), receipt.GasUsed)
	return tx.Hash().Hex(), nil
}

// suggestGasPrice fetches the current gas price with a short bound.
func (c *Client) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.rpc.SuggestGasPrice(timeoutCtx)
}

// ScheduleIDToBytes32 encodes a schedule UUID as a left-padded 32-byte value
// for the contract's scheduleId parameter.
func ScheduleIDToBytes32(id uuid.UUID) [32]byte {
	var out [32]byte
	copy(out[16:], id[:])
	return out
}

// ToBaseUnits converts a USDC amount to its integer base-unit representation.
func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(USDCDecimals).BigInt()
}
