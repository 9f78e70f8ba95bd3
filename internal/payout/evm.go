package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMSplitProvider settles payouts on an EVM chain with two native-value
// transfers: the worker's net and the combined fees to the platform wallet.
// Amounts convert from cents via a configured wei-per-cent rate.
type EVMSplitProvider struct {
	client     *ethclient.Client
	key        *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	weiPerCent *big.Int
}

// EVMConfig wires the splitter.
type EVMConfig struct {
	RPCEndpoint string
	PrivateKey  string // hex, no 0x prefix
	ChainID     int64
	WeiPerCent  string // decimal
}

// NewEVMSplitProvider dials the RPC endpoint and loads the treasury key.
func NewEVMSplitProvider(cfg EVMConfig) (*EVMSplitProvider, error) {
	if cfg.ChainID <= 0 {
		return nil, errors.New("evm provider: chain id required")
	}
	weiPerCent, ok := new(big.Int).SetString(cfg.WeiPerCent, 10)
	if !ok || weiPerCent.Sign() <= 0 {
		return nil, fmt.Errorf("evm provider: invalid wei-per-cent %q", cfg.WeiPerCent)
	}
	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("evm provider: private key: %w", err)
	}
	client, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("evm provider: dial: %w", err)
	}
	return &EVMSplitProvider{
		client:     client,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		weiPerCent: weiPerCent,
	}, nil
}

func (p *EVMSplitProvider) Name() string { return "evmsplit" }

// Pay sends the worker transfer first and the fee transfer second; the
// worker tx hash is the provider reference. Fee transfer failures after a
// landed worker transfer are reported but do not fail the payout.
func (p *EVMSplitProvider) Pay(ctx context.Context, req PaymentRequest) (string, error) {
	if !common.IsHexAddress(req.WorkerAddress) {
		return "", errors.New("evm provider: invalid worker address")
	}
	workerAddr := common.HexToAddress(req.WorkerAddress)

	nonce, err := p.client.PendingNonceAt(ctx, p.from)
	if err != nil {
		return "", fmt.Errorf("evm provider: nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm provider: gas price: %w", err)
	}

	workerHash, err := p.transfer(ctx, nonce, workerAddr, p.centsToWei(req.NetCents), gasPrice)
	if err != nil {
		return "", fmt.Errorf("evm provider: worker transfer: %w", err)
	}

	feeCents := req.PlatformFeeCents + req.ProofworkFeeCents
	if feeCents > 0 && common.IsHexAddress(req.FeeWallet) {
		if _, err := p.transfer(ctx, nonce+1, common.HexToAddress(req.FeeWallet), p.centsToWei(feeCents), gasPrice); err != nil {
			return workerHash, fmt.Errorf("evm provider: fee transfer after worker paid (%s): %w", workerHash, err)
		}
	}
	return workerHash, nil
}

func (p *EVMSplitProvider) transfer(ctx context.Context, nonce uint64, to common.Address, wei *big.Int, gasPrice *big.Int) (string, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    wei,
		Gas:      21_000,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.key)
	if err != nil {
		return "", err
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (p *EVMSplitProvider) centsToWei(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), p.weiPerCent)
}

// Confirm checks the worker transfer's receipt. A missing receipt is a
// retryable condition; a reverted one is permanent.
func (p *EVMSplitProvider) Confirm(ctx context.Context, providerRef string) error {
	receipt, err := p.client.TransactionReceipt(ctx, common.HexToHash(providerRef))
	if err != nil {
		return fmt.Errorf("evm provider: receipt pending: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("evm provider: transaction %s reverted", providerRef)
	}
	return nil
}
