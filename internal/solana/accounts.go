package solana

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrNoAccountKeys means the message carries a structurally empty
	// account list. Not retryable; the transaction cannot be validated.
	ErrNoAccountKeys = errors.New("solana: message has no account keys")

	// ErrAccountResolution means a versioned message's lookup table
	// entries could not be resolved into a full key list.
	ErrAccountResolution = errors.New("solana: account key resolution failed")
)

// AccountKeysFor extracts the complete ordered account key list of a
// transaction. This is the single extraction path for every validator:
// legacy messages expose their keys directly, versioned messages are
// completed with the lookup table addresses the RPC resolved for us.
//
// The order matters: meta.pre_balances and meta.post_balances are parallel
// to this list, with loaded writable addresses following the static keys
// and loaded read-only addresses last.
func AccountKeysFor(tx *solana.Transaction, meta *rpc.TransactionMeta) ([]solana.PublicKey, error) {
	if tx == nil {
		return nil, ErrNoAccountKeys
	}
	msg := &tx.Message

	if !msg.IsVersioned() {
		if len(msg.AccountKeys) == 0 {
			return nil, ErrNoAccountKeys
		}
		return msg.AccountKeys, nil
	}

	if meta != nil {
		keys := make([]solana.PublicKey, 0,
			len(msg.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
		keys = append(keys, msg.AccountKeys...)
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
		if len(keys) == 0 {
			return nil, ErrNoAccountKeys
		}
		return keys, nil
	}

	// No RPC meta available: fall back to the message's own resolution,
	// which requires the address tables to have been set on it.
	keys, err := msg.GetAllKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountResolution, err)
	}
	if len(keys) == 0 {
		return nil, ErrNoAccountKeys
	}
	return keys, nil
}

// instructionAccounts maps a compiled instruction's account indexes into
// account metas using an already extracted key list. Unlike resolving
// through the message, this works identically for legacy and versioned
// transactions.
func instructionAccounts(inst solana.CompiledInstruction, keys []solana.PublicKey) ([]*solana.AccountMeta, error) {
	accounts := make([]*solana.AccountMeta, 0, len(inst.Accounts))
	for _, idx := range inst.Accounts {
		if int(idx) >= len(keys) {
			return nil, fmt.Errorf("solana: instruction account index %d out of range (%d keys)", idx, len(keys))
		}
		accounts = append(accounts, &solana.AccountMeta{PublicKey: keys[idx]})
	}
	return accounts, nil
}

// instructionProgramID resolves a compiled instruction's program ID against
// an extracted key list.
func instructionProgramID(inst solana.CompiledInstruction, keys []solana.PublicKey) (solana.PublicKey, bool) {
	if int(inst.ProgramIDIndex) >= len(keys) {
		return solana.PublicKey{}, false
	}
	return keys[inst.ProgramIDIndex], true
}

// ContainsKey reports whether the key list mentions the given public key.
func ContainsKey(keys []solana.PublicKey, key solana.PublicKey) bool {
	for _, candidate := range keys {
		if candidate.Equals(key) {
			return true
		}
	}
	return false
}

// KeyIndex returns the position of a key in the list, or -1.
func KeyIndex(keys []solana.PublicKey, key solana.PublicKey) int {
	for i, candidate := range keys {
		if candidate.Equals(key) {
			return i
		}
	}
	return -1
}
