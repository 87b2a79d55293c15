package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ChainAdapter is everything the worker asks of the chain: reads, gas
// pricing, calldata construction and transaction broadcast. Transaction
// reports found=false instead of an error when the node does not know the
// hash, which is an expected answer during crash recovery.
type ChainAdapter interface {
	FeeReader

	Address() common.Address
	ExchangeProxyAddress() common.Address
	IsWorkerReady(ctx context.Context) bool

	AccountBalance(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CreateAccessList(ctx context.Context, call ethereum.CallMsg) (*types.AccessList, uint64, error)
	Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Receipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)

	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)

	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	MinOfBalanceAndAllowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	IsValidOrderSigner(ctx context.Context, maker, signer common.Address) (bool, error)

	GenerateApprovalCalldata(approval *Approval, sig *Signature) ([]byte, error)
	GenerateTakerSignedOtcOrderCalldata(order *OtcOrder, makerSig, takerSig *Signature, isUnwrap bool, affiliate *common.Address) ([]byte, error)
	GenerateMetaTransactionCalldata(mtx *MetaTransaction, sig *Signature, affiliate *common.Address) ([]byte, error)
}

const exchangeProxyABIJSON = `[
	{"type":"function","name":"fillTakerSignedOtcOrder","inputs":[
		{"name":"order","type":"tuple","components":[
			{"name":"makerToken","type":"address"},{"name":"takerToken","type":"address"},
			{"name":"makerAmount","type":"uint128"},{"name":"takerAmount","type":"uint128"},
			{"name":"maker","type":"address"},{"name":"taker","type":"address"},
			{"name":"txOrigin","type":"address"},{"name":"expiryAndNonce","type":"uint256"}]},
		{"name":"makerSignature","type":"tuple","components":[
			{"name":"signatureType","type":"uint8"},{"name":"v","type":"uint8"},
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
		{"name":"takerSignature","type":"tuple","components":[
			{"name":"signatureType","type":"uint8"},{"name":"v","type":"uint8"},
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}]},
	{"type":"function","name":"fillTakerSignedOtcOrderForEth","inputs":[
		{"name":"order","type":"tuple","components":[
			{"name":"makerToken","type":"address"},{"name":"takerToken","type":"address"},
			{"name":"makerAmount","type":"uint128"},{"name":"takerAmount","type":"uint128"},
			{"name":"maker","type":"address"},{"name":"taker","type":"address"},
			{"name":"txOrigin","type":"address"},{"name":"expiryAndNonce","type":"uint256"}]},
		{"name":"makerSignature","type":"tuple","components":[
			{"name":"signatureType","type":"uint8"},{"name":"v","type":"uint8"},
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
		{"name":"takerSignature","type":"tuple","components":[
			{"name":"signatureType","type":"uint8"},{"name":"v","type":"uint8"},
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}]},
	{"type":"function","name":"executeMetaTransaction","inputs":[
		{"name":"mtx","type":"tuple","components":[
			{"name":"signer","type":"address"},{"name":"sender","type":"address"},
			{"name":"minGasPrice","type":"uint256"},{"name":"maxGasPrice","type":"uint256"},
			{"name":"expirationTimeSeconds","type":"uint256"},{"name":"salt","type":"uint256"},
			{"name":"callData","type":"bytes"},{"name":"value","type":"uint256"},
			{"name":"feeToken","type":"address"},{"name":"feeAmount","type":"uint256"}]},
		{"name":"signature","type":"tuple","components":[
			{"name":"signatureType","type":"uint8"},{"name":"v","type":"uint8"},
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}]}
]`

const registryABIJSON = `[
	{"type":"function","name":"isValidOrderSigner","stateMutability":"view","inputs":[
		{"name":"maker","type":"address"},{"name":"signer","type":"address"}],
		"outputs":[{"name":"isValid","type":"bool"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"permit","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"},
		{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}
]`

// abiOtcOrder mirrors the fill function's order tuple.
type abiOtcOrder struct {
	MakerToken     common.Address
	TakerToken     common.Address
	MakerAmount    *big.Int
	TakerAmount    *big.Int
	Maker          common.Address
	Taker          common.Address
	TxOrigin       common.Address
	ExpiryAndNonce *big.Int
}

type abiSignature struct {
	SignatureType uint8
	V             uint8
	R             [32]byte
	S             [32]byte
}

type abiMetaTransaction struct {
	Signer                common.Address
	Sender                common.Address
	MinGasPrice           *big.Int
	MaxGasPrice           *big.Int
	ExpirationTimeSeconds *big.Int
	Salt                  *big.Int
	CallData              []byte
	Value                 *big.Int
	FeeToken              common.Address
	FeeAmount             *big.Int
}

var ErrUnsupportedApprovalKind = errors.New("unsupported approval kind")

// EthChainAdapter implements ChainAdapter against a single JSON-RPC node,
// signing with a locally held worker key.
type EthChainAdapter struct {
	client  *ethclient.Client
	geth    *gethclient.Client
	rpc     *rpc.Client
	chainID *big.Int
	signer  types.Signer
	key     *ecdsa.PrivateKey
	address common.Address

	exchangeProxy common.Address
	registry      common.Address

	exchangeProxyABI abi.ABI
	registryABI      abi.ABI
	erc20ABI         abi.ABI
}

func NewEthChainAdapter(rpcClient *rpc.Client, chainID int64, key *ecdsa.PrivateKey, exchangeProxy, registry common.Address) (*EthChainAdapter, error) {
	exchangeProxyABI, err := abi.JSON(strings.NewReader(exchangeProxyABIJSON))
	if err != nil {
		return nil, err
	}
	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, err
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, err
	}

	id := big.NewInt(chainID)
	return &EthChainAdapter{
		client:           ethclient.NewClient(rpcClient),
		geth:             gethclient.New(rpcClient),
		rpc:              rpcClient,
		chainID:          id,
		signer:           types.LatestSignerForChainID(id),
		key:              key,
		address:          crypto.PubkeyToAddress(key.PublicKey),
		exchangeProxy:    exchangeProxy,
		registry:         registry,
		exchangeProxyABI: exchangeProxyABI,
		registryABI:      registryABI,
		erc20ABI:         erc20ABI,
	}, nil
}

func (a *EthChainAdapter) Address() common.Address              { return a.address }
func (a *EthChainAdapter) ExchangeProxyAddress() common.Address { return a.exchangeProxy }

// IsWorkerReady reports whether the node can serve the settlement flow right
// now. Not being ready is an operational condition, not an error.
func (a *EthChainAdapter) IsWorkerReady(ctx context.Context) bool {
	progress, err := a.client.SyncProgress(ctx)
	if err != nil || progress != nil {
		return false
	}
	_, err = a.client.SuggestGasPrice(ctx)
	return err == nil
}

func (a *EthChainAdapter) AccountBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return a.client.BalanceAt(ctx, account, nil)
}

func (a *EthChainAdapter) PendingNonce(ctx context.Context) (uint64, error) {
	return a.client.PendingNonceAt(ctx, a.address)
}

func (a *EthChainAdapter) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return a.client.EstimateGas(ctx, call)
}

func (a *EthChainAdapter) CreateAccessList(ctx context.Context, call ethereum.CallMsg) (*types.AccessList, uint64, error) {
	list, gas, vmErr, err := a.geth.CreateAccessList(ctx, call)
	if err != nil {
		return nil, 0, err
	}
	if vmErr != "" {
		return nil, 0, fmt.Errorf("access list simulation reverted: %s", vmErr)
	}
	return list, gas, nil
}

func (a *EthChainAdapter) Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, _, err := a.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// Receipts fetches receipts for all hashes in one batch. A missing receipt
// is returned as a nil entry at the hash's position.
func (a *EthChainAdapter) Receipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	batch := make([]rpc.BatchElem, len(hashes))
	receipts := make([]*types.Receipt, len(hashes))
	for i, hash := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{hash},
			Result: &receipts[i],
		}
	}
	if err := a.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}
	for i := range batch {
		if batch[i].Error != nil {
			return nil, batch[i].Error
		}
	}
	return receipts, nil
}

func (a *EthChainAdapter) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

func (a *EthChainAdapter) SignTransaction(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, a.signer, a.key)
}

func (a *EthChainAdapter) SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (a *EthChainAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return a.client.SuggestGasPrice(ctx)
}

func (a *EthChainAdapter) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return a.client.SuggestGasTipCap(ctx)
}

func (a *EthChainAdapter) PendingBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, errors.New("chain has no base fee")
	}
	return header.BaseFee, nil
}

func (a *EthChainAdapter) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return a.callUint256(ctx, token, "balanceOf", owner)
}

func (a *EthChainAdapter) MinOfBalanceAndAllowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	balance, err := a.callUint256(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	allowance, err := a.callUint256(ctx, token, "allowance", owner, a.exchangeProxy)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(balance) < 0 {
		return allowance, nil
	}
	return balance, nil
}

func (a *EthChainAdapter) IsValidOrderSigner(ctx context.Context, maker, signer common.Address) (bool, error) {
	data, err := a.registryABI.Pack("isValidOrderSigner", maker, signer)
	if err != nil {
		return false, err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.registry, Data: data}, nil)
	if err != nil {
		return false, err
	}
	results, err := a.registryABI.Unpack("isValidOrderSigner", out)
	if err != nil {
		return false, err
	}
	valid, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("isValidOrderSigner: unexpected result type %T", results[0])
	}
	return valid, nil
}

func (a *EthChainAdapter) GenerateApprovalCalldata(approval *Approval, sig *Signature) ([]byte, error) {
	if approval.Kind != ApprovalKindPermit {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedApprovalKind, approval.Kind)
	}
	repaired := RepairSignature(*sig)
	return a.erc20ABI.Pack("permit",
		approval.Owner,
		approval.Spender,
		approval.Value.ToInt(),
		approval.Deadline.ToInt(),
		repaired.V,
		toBytes32(repaired.R),
		toBytes32(repaired.S),
	)
}

func (a *EthChainAdapter) GenerateTakerSignedOtcOrderCalldata(order *OtcOrder, makerSig, takerSig *Signature, isUnwrap bool, affiliate *common.Address) ([]byte, error) {
	method := "fillTakerSignedOtcOrder"
	if isUnwrap {
		method = "fillTakerSignedOtcOrderForEth"
	}
	data, err := a.exchangeProxyABI.Pack(method, toABIOtcOrder(order), toABISignature(makerSig), toABISignature(takerSig))
	if err != nil {
		return nil, err
	}
	return appendAffiliateTag(data, affiliate), nil
}

func (a *EthChainAdapter) GenerateMetaTransactionCalldata(mtx *MetaTransaction, sig *Signature, affiliate *common.Address) ([]byte, error) {
	data, err := a.exchangeProxyABI.Pack("executeMetaTransaction", abiMetaTransaction{
		Signer:                mtx.Signer,
		Sender:                mtx.Sender,
		MinGasPrice:           mtx.MinGasPrice.ToInt(),
		MaxGasPrice:           mtx.MaxGasPrice.ToInt(),
		ExpirationTimeSeconds: mtx.ExpirationTimeSeconds.ToInt(),
		Salt:                  mtx.Salt.ToInt(),
		CallData:              mtx.CallData,
		Value:                 mtx.Value.ToInt(),
		FeeToken:              mtx.FeeToken,
		FeeAmount:             mtx.FeeAmount.ToInt(),
	}, toABISignature(sig))
	if err != nil {
		return nil, err
	}
	return appendAffiliateTag(data, affiliate), nil
}

func (a *EthChainAdapter) callUint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := a.erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	results, err := a.erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, results[0])
	}
	return value, nil
}

func toABIOtcOrder(order *OtcOrder) abiOtcOrder {
	return abiOtcOrder{
		MakerToken:     order.MakerToken,
		TakerToken:     order.TakerToken,
		MakerAmount:    order.MakerAmount.ToInt(),
		TakerAmount:    order.TakerAmount.ToInt(),
		Maker:          order.Maker,
		Taker:          order.Taker,
		TxOrigin:       order.TxOrigin,
		ExpiryAndNonce: order.ExpiryAndNonce.ToInt(),
	}
}

func toABISignature(sig *Signature) abiSignature {
	repaired := RepairSignature(*sig)
	return abiSignature{
		SignatureType: uint8(repaired.Type),
		V:             repaired.V,
		R:             toBytes32(repaired.R),
		S:             toBytes32(repaired.S),
	}
}

func toBytes32(b hexutil.Bytes) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// appendAffiliateTag suffixes the calldata with the affiliate address so
// fills remain attributable on-chain. The proxy ignores trailing bytes.
func appendAffiliateTag(data []byte, affiliate *common.Address) []byte {
	if affiliate == nil {
		return data
	}
	return append(data, affiliate.Bytes()...)
}
