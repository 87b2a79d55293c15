package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"golang.org/x/time/rate"
)

// SignerClient is the "last look" channel to makers. RequestSignature
// returning (nil, nil) is a decline, not an error; only transport and
// protocol failures produce errors.
type SignerClient interface {
	RequestSignature(ctx context.Context, job *OtcJob) (*Signature, error)
	CurrentPrice(ctx context.Context, makerURI string, order *OtcOrder) (*big.Int, error)
}

// SignRequestArgs is the maker_sign request payload.
type SignRequestArgs struct {
	OrderHash      common.Hash  `json:"orderHash"`
	Order          *OtcOrder    `json:"order"`
	ExpirySeconds  *hexutil.Big `json:"expiry"`
	FeeToken       string       `json:"feeToken"`
	FeeAmount      *hexutil.Big `json:"feeAmount"`
	TakerSignature *Signature   `json:"takerSignature"`
}

// SignResponse is the maker_sign result. A maker declines by answering
// proceedWithFill=false or by omitting the signature.
type SignResponse struct {
	ProceedWithFill bool         `json:"proceedWithFill"`
	MakerSignature  *Signature   `json:"makerSignature"`
	FeeAmount       *hexutil.Big `json:"feeAmount"`
}

// PriceRequestArgs is the maker_price request payload.
type PriceRequestArgs struct {
	MakerToken common.Address `json:"makerToken"`
	TakerToken common.Address `json:"takerToken"`
	// Taker-side size the price is quoted for.
	TakerAmount *hexutil.Big `json:"takerAmount"`
}

type PriceResponse struct {
	MakerAmount *hexutil.Big `json:"makerAmount"`
}

// JSONRPCSignerClient talks to each maker's signing endpoint over JSON-RPC,
// one lazily created client per URI, all sharing one outbound rate limit.
type JSONRPCSignerClient struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]jsonrpc.RPCClient
}

func NewJSONRPCSignerClient(requestsPerSecond float64, burst int) *JSONRPCSignerClient {
	return &JSONRPCSignerClient{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clients: make(map[string]jsonrpc.RPCClient),
	}
}

func (c *JSONRPCSignerClient) RequestSignature(ctx context.Context, job *OtcJob) (*Signature, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	args := &SignRequestArgs{
		OrderHash:      job.OrderHash,
		Order:          job.Order,
		ExpirySeconds:  (*hexutil.Big)(job.Expiry),
		TakerSignature: job.TakerSignature,
	}
	if job.Fee != nil {
		args.FeeToken = job.Fee.Token.Hex()
		args.FeeAmount = job.Fee.Amount
	}

	var response SignResponse
	err := c.client(job.MakerURI).CallFor(ctx, &response, "maker_sign", args)
	if err != nil {
		return nil, fmt.Errorf("maker_sign %s: %w", job.MakerURI, err)
	}
	if !response.ProceedWithFill || response.MakerSignature == nil {
		return nil, nil
	}
	return response.MakerSignature, nil
}

// CurrentPrice asks the maker what it would pay for the order's size right
// now, for post-decline price diagnostics.
func (c *JSONRPCSignerClient) CurrentPrice(ctx context.Context, makerURI string, order *OtcOrder) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var response PriceResponse
	err := c.client(makerURI).CallFor(ctx, &response, "maker_price", &PriceRequestArgs{
		MakerToken:  order.MakerToken,
		TakerToken:  order.TakerToken,
		TakerAmount: order.TakerAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("maker_price %s: %w", makerURI, err)
	}
	if response.MakerAmount == nil {
		return nil, fmt.Errorf("maker_price %s: empty response", makerURI)
	}
	return response.MakerAmount.ToInt(), nil
}

func (c *JSONRPCSignerClient) client(uri string) jsonrpc.RPCClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[uri]
	if !ok {
		client = jsonrpc.NewClient(uri)
		c.clients[uri] = client
	}
	return client
}
