/**
 * @description
 * Package chain signs and broadcasts settlement transfers on an EVM network and reads
 * back their receipts. It is used only by the executor role, which is the single holder
 * of the host wallet key.
 *
 * @notes
 * - Nonces come from the pending state so concurrent in-flight transfers from the same
 *   key do not collide.
 * - Every transaction is validated before it is signed (see validate.go).
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: RPC client, transaction types, signing, checksums.
 * - github.com/gabstv/httpdigest: Digest authentication for private RPC nodes.
 */
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gabstv/httpdigest"

	"github.com/transfa/settlement-service/internal/errclass"
)

const nativeTransferGas = 21000

// RPC is the subset of the node API the client needs. *ethclient.Client satisfies it.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Config holds the node connection and signing settings.
type Config struct {
	RPCURL      string
	Username    string
	Password    string
	ChainID     int64
	PrivateKey  string
	GasLimitMin uint64
	GasLimitMax uint64
}

// Client builds, signs and broadcasts transfers from the host wallet.
type Client struct {
	rpc     RPC
	chainID *big.Int
	signer  types.Signer
	key     *ecdsa.PrivateKey
	from    common.Address
	gasMin  uint64
	gasMax  uint64
}

// Dial connects to the configured node and verifies it serves the expected chain.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.Username != "" {
		httpClient.Transport = httpdigest.New(cfg.Username, cfg.Password)
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errclass.Wrap(errclass.KindRPCConnectionFailed, fmt.Errorf("dial chain rpc: %w", err))
	}
	eth := ethclient.NewClient(rpcClient)

	remote, err := eth.ChainID(ctx)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindRPCConnectionFailed, fmt.Errorf("fetch chain id: %w", err))
	}
	if remote.Int64() != cfg.ChainID {
		return nil, errclass.New(errclass.KindWeb3InitFailed, "chain id mismatch: node %s, configured %d", remote, cfg.ChainID)
	}

	client, err := NewClient(eth, big.NewInt(cfg.ChainID), cfg.PrivateKey, cfg.GasLimitMin, cfg.GasLimitMax)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=chain msg=\"connected to chain rpc\" chain_id=%d from=%s", cfg.ChainID, client.from.Hex())
	return client, nil
}

// NewClient wraps an RPC connection with the host wallet key.
func NewClient(node RPC, chainID *big.Int, privateKeyHex string, gasMin, gasMax uint64) (*Client, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errclass.New(errclass.KindWeb3InitFailed, "invalid chain id %v", chainID)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errclass.Wrap(errclass.KindWalletUnlockFailed, fmt.Errorf("load host wallet key: %w", err))
	}
	if gasMin == 0 {
		gasMin = nativeTransferGas
	}
	if gasMax == 0 {
		gasMax = 500_000
	}
	return &Client{
		rpc:     node,
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		gasMin:  gasMin,
		gasMax:  gasMax,
	}, nil
}

// From returns the host wallet address.
func (c *Client) From() common.Address {
	return c.from
}

// Transfer describes one payout. Token is empty for the native coin.
type Transfer struct {
	To     string
	Amount *big.Int
	Token  string
}

// SignedTransfer is a signed transaction ready for broadcast.
type SignedTransfer struct {
	Tx     *types.Transaction
	Hash   string
	Nonce  uint64
	Raw    []byte
	Params TxParams
}

// SignTransfer builds, validates and signs t using the pending nonce and the node's
// suggested gas price.
func (c *Client) SignTransfer(ctx context.Context, t Transfer) (*SignedTransfer, error) {
	recipient, err := parseAddress("recipient", t.To)
	if err != nil {
		return nil, err
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return nil, errclass.New(errclass.KindInvalidAmount, "invalid amount %v", t.Amount)
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, classified(fmt.Errorf("fetch pending nonce: %w", err))
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classified(fmt.Errorf("suggest gas price: %w", err))
	}

	to := recipient
	value := new(big.Int).Set(t.Amount)
	var data []byte
	gas := uint64(nativeTransferGas)

	if t.Token != "" {
		contract, err := parseAddress("token contract", t.Token)
		if err != nil {
			return nil, errclass.Wrap(errclass.KindWeb3InitFailed, err)
		}
		to = contract
		data = TransferCallData(recipient, t.Amount)
		value = big.NewInt(0)

		estimated, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return nil, classified(fmt.Errorf("estimate token transfer gas: %w", err))
		}
		gas = estimated + estimated/5
	}

	params := TxParams{
		From:     c.from.Hex(),
		To:       to.Hex(),
		Value:    value,
		Nonce:    &nonce,
		GasLimit: gas,
		GasPrice: gasPrice,
		ChainID:  c.chainID,
		Data:     hexutil.Encode(data),
	}
	if err := ValidateTxParams(params, c.gasMin, c.gasMax); err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindWalletUnlockFailed, fmt.Errorf("sign transfer: %w", err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode signed transfer: %w", err)
	}

	return &SignedTransfer{
		Tx:     signed,
		Hash:   signed.Hash().Hex(),
		Nonce:  nonce,
		Raw:    raw,
		Params: params,
	}, nil
}

// Broadcast submits a raw signed transaction. Re-submitting a transaction the node
// already has is not an error.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", errclass.Wrap(errclass.KindUnknown, fmt.Errorf("decode raw transaction: %w", err))
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			log.Printf("level=info component=chain msg=\"transaction already known to node\" tx_hash=%s", tx.Hash().Hex())
			return tx.Hash().Hex(), nil
		}
		return "", classified(fmt.Errorf("send transaction: %w", err))
	}
	return tx.Hash().Hex(), nil
}

// NativeTransferFee returns the fee, in wei, of a plain native-coin transfer at the
// node's current gas price. The executor deducts it when paying out the native coin.
func (c *Client) NativeTransferFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classified(fmt.Errorf("suggest gas price: %w", err))
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas)), nil
}

// Receipt is the confirmation state of a transaction.
type Receipt struct {
	Found       bool
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// CheckReceipt looks up the receipt for hash. Found is false while the transaction is
// not yet mined.
func (c *Client) CheckReceipt(ctx context.Context, hash string) (Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, nil
	}
	if err != nil {
		return Receipt{}, classified(fmt.Errorf("fetch receipt: %w", err))
	}
	out := Receipt{
		Found:   true,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// Known reports whether the node still knows about hash, mined or pending.
func (c *Client) Known(ctx context.Context, hash string) (bool, error) {
	_, _, err := c.rpc.TransactionByHash(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, classified(fmt.Errorf("fetch transaction: %w", err))
	}
	return true, nil
}

func classified(err error) error {
	kind, _ := errclass.Classify(err)
	return errclass.Wrap(kind, err)
}
