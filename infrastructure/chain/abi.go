package chain

import (
	"fmt"

	hexutil "github.com/dstack-verify/attestor/infrastructure/hex"
	"golang.org/x/crypto/sha3"
)

// Solidity ABI encoding is word-oriented: every static parameter (address,
// bool, uintN, bytes32) occupies exactly one 32-byte word, left-padded
// (numbers/bools) or right-padded (bytesN). This file implements just
// enough of the encoding to call the narrow, read-only registry methods
// the Gateway verifier chain needs (spec.md §4.2/§4.3): no dynamic types,
// no tuples.

const wordSize = 32

// Selector returns the 4-byte function selector for a Solidity method
// signature, e.g. "allowedComposeHashes(bytes32)".
func Selector(signature string) []byte {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	return hash.Sum(nil)[:4]
}

// EncodeBytes32Call builds calldata for a method taking a single bytes32
// argument.
func EncodeBytes32Call(signature string, arg [32]byte) []byte {
	data := make([]byte, 0, 4+wordSize)
	data = append(data, Selector(signature)...)
	data = append(data, arg[:]...)
	return data
}

// EncodeNoArgsCall builds calldata for a method taking no arguments.
func EncodeNoArgsCall(signature string) []byte {
	return Selector(signature)
}

// EncodeAddressCall builds calldata for a method taking a single address
// argument (20 bytes, left-padded to a word).
func EncodeAddressCall(signature string, addr [20]byte) []byte {
	data := make([]byte, 0, 4+wordSize)
	data = append(data, Selector(signature)...)
	padded := make([]byte, wordSize)
	copy(padded[wordSize-20:], addr[:])
	data = append(data, padded...)
	return data
}

// DecodeBool decodes a single bool return value from ABI-encoded return
// data: any nonzero byte in the first word means true.
func DecodeBool(data []byte) (bool, error) {
	word, err := firstWord(data)
	if err != nil {
		return false, err
	}
	for _, b := range word {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// DecodeBytes32 decodes a single bytes32 return value.
func DecodeBytes32(data []byte) ([32]byte, error) {
	var out [32]byte
	word, err := firstWord(data)
	if err != nil {
		return out, err
	}
	copy(out[:], word)
	return out, nil
}

// DecodeAddress decodes a single address return value (right-most 20 bytes
// of the first word).
func DecodeAddress(data []byte) ([20]byte, error) {
	var out [20]byte
	word, err := firstWord(data)
	if err != nil {
		return out, err
	}
	copy(out[:], word[wordSize-20:])
	return out, nil
}

func firstWord(data []byte) ([]byte, error) {
	if len(data) < wordSize {
		return nil, fmt.Errorf("abi: return data too short: %d bytes", len(data))
	}
	return data[:wordSize], nil
}

// ParseBytes32 interprets a hex string (with or without 0x prefix) as a
// bytes32 value, left-padding short inputs.
func ParseBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.DecodeString(hexStr)
	if err != nil {
		return out, err
	}
	if len(raw) > 32 {
		return out, fmt.Errorf("abi: value longer than 32 bytes")
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}

// ParseAddress interprets a hex string as a 20-byte Ethereum address.
func ParseAddress(hexStr string) ([20]byte, error) {
	var out [20]byte
	raw, err := hexutil.DecodeString(hexStr)
	if err != nil {
		return out, err
	}
	if len(raw) > 20 {
		return out, fmt.Errorf("abi: value longer than 20 bytes")
	}
	copy(out[20-len(raw):], raw)
	return out, nil
}
