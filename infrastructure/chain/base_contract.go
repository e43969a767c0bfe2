// Package chain provides a thin read-only wrapper over deployed registry
// contracts (app registry, KMS registry) that the Gateway verifier chain
// consults.
package chain

import (
	"context"
	"fmt"
)

// RegistryContract wraps a Client bound to a single deployed contract
// address. It only ever issues eth_call reads: the verification pipeline
// has no reason to sign or submit transactions.
type RegistryContract struct {
	client  *Client
	address string
}

// NewRegistryContract binds a client to a contract address.
func NewRegistryContract(client *Client, address string) *RegistryContract {
	return &RegistryContract{client: client, address: address}
}

// Client returns the underlying chain client.
func (r *RegistryContract) Client() *Client {
	return r.client
}

// Address returns the bound contract address.
func (r *RegistryContract) Address() string {
	return r.address
}

// CallBool invokes a method taking a single bytes32 argument and decodes
// the result as bool. Covers allowedComposeHashes(bytes32)->bool and
// similar allow-list predicates (spec.md §4.2/§4.3).
func (r *RegistryContract) CallBool(ctx context.Context, signature string, arg [32]byte) (bool, error) {
	raw, err := r.client.EthCall(ctx, r.address, EncodeBytes32Call(signature, arg))
	if err != nil {
		return false, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeBool(raw)
}

// CallBytes32 invokes a no-argument method and decodes the result as
// bytes32. Covers things like kmsInfo()->bytes32 "current kms id" reads.
func (r *RegistryContract) CallBytes32(ctx context.Context, signature string) ([32]byte, error) {
	var zero [32]byte
	raw, err := r.client.EthCall(ctx, r.address, EncodeNoArgsCall(signature))
	if err != nil {
		return zero, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeBytes32(raw)
}

// CallBytes32WithArg invokes a method taking a single bytes32 argument and
// decodes the result as bytes32.
func (r *RegistryContract) CallBytes32WithArg(ctx context.Context, signature string, arg [32]byte) ([32]byte, error) {
	var zero [32]byte
	raw, err := r.client.EthCall(ctx, r.address, EncodeBytes32Call(signature, arg))
	if err != nil {
		return zero, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeBytes32(raw)
}

// CallAddress invokes a no-argument method and decodes the result as an
// address.
func (r *RegistryContract) CallAddress(ctx context.Context, signature string) ([20]byte, error) {
	var zero [20]byte
	raw, err := r.client.EthCall(ctx, r.address, EncodeNoArgsCall(signature))
	if err != nil {
		return zero, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeAddress(raw)
}

// CallAddressWithArg invokes a method taking a single address argument and
// decodes the result as an address.
func (r *RegistryContract) CallAddressWithArg(ctx context.Context, signature string, arg [20]byte) ([20]byte, error) {
	var zero [20]byte
	raw, err := r.client.EthCall(ctx, r.address, EncodeAddressCall(signature, arg))
	if err != nil {
		return zero, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeAddress(raw)
}

// CallBoolWithAddress invokes a method taking a single address argument and
// decodes the result as bool.
func (r *RegistryContract) CallBoolWithAddress(ctx context.Context, signature string, arg [20]byte) (bool, error) {
	raw, err := r.client.EthCall(ctx, r.address, EncodeAddressCall(signature, arg))
	if err != nil {
		return false, fmt.Errorf("%s: %w", signature, err)
	}
	return DecodeBool(raw)
}
