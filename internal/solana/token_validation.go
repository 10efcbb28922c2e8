package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrTransactionExecutionFailed means the ledger recorded an execution
	// error for the transaction. Terminal; the transfer never happened.
	ErrTransactionExecutionFailed = errors.New("solana: transaction failed on ledger")

	// ErrReferenceMissing means the transaction does not mention the
	// payment's reference key.
	ErrReferenceMissing = errors.New("solana: reference not present in transaction")

	// ErrNoMatchingTransfer means no token transfer to the expected
	// destination account was found in the transaction.
	ErrNoMatchingTransfer = errors.New("solana: no token transfer to expected account")

	// ErrAmountBelowExpected means a matching transfer was found but moved
	// fewer base units than the payment requires.
	ErrAmountBelowExpected = errors.New("solana: transfer amount below expected")
)

// TokenTransferExpectation describes what a token payment's transaction must
// contain to be accepted.
type TokenTransferExpectation struct {
	RecipientOwner        solana.PublicKey   // merchant wallet owning the destination token account
	RecipientTokenAccount solana.PublicKey   // optional; derived from owner and mint when zero
	Mint                  solana.PublicKey   // expected token mint
	Reference             solana.PublicKey   // payment reference key
	AmountBaseUnits       uint64             // minimum transfer amount in base units
	Decimals              uint8              // mint decimals, enforced on checked transfers
	Commitment            rpc.CommitmentType // fetch commitment; client default when empty
}

// TokenTransferResult carries the observed facts of a validated transfer.
type TokenTransferResult struct {
	Owner             solana.PublicKey // transfer authority (the paying wallet)
	AmountBaseUnits   uint64
	OverpaidBaseUnits uint64
}

// ValidateTokenTransfer is the canonical token-path check: fetch the
// transaction, reject execution errors, require the reference among the
// account keys, then find a transfer or transferChecked instruction moving
// at least the expected amount to the recipient's token account. Both
// top-level and inner (CPI) instructions are scanned, so delegated
// transfers validate too.
func (c *Client) ValidateTokenTransfer(ctx context.Context, signature solana.Signature, expect TokenTransferExpectation) (TokenTransferResult, error) {
	detail, err := c.GetTransaction(ctx, signature, expect.Commitment)
	if err != nil {
		return TokenTransferResult{}, err
	}
	return validateTokenDetail(detail, expect)
}

// validateTokenDetail runs the acceptance checks over an already fetched
// transaction.
func validateTokenDetail(detail *TransactionDetail, expect TokenTransferExpectation) (TokenTransferResult, error) {
	if detail.Meta != nil && detail.Meta.Err != nil {
		return TokenTransferResult{}, fmt.Errorf("%w: %v", ErrTransactionExecutionFailed, detail.Meta.Err)
	}

	keys, err := AccountKeysFor(detail.Tx, detail.Meta)
	if err != nil {
		return TokenTransferResult{}, err
	}
	if !ContainsKey(keys, expect.Reference) {
		return TokenTransferResult{}, ErrReferenceMissing
	}

	destination, err := resolveDestinationAccount(expect)
	if err != nil {
		return TokenTransferResult{}, err
	}

	match, found, err := scanTokenTransfers(detail.Tx.Message.Instructions, keys, destination, expect)
	if err != nil {
		return TokenTransferResult{}, err
	}
	if !found && detail.Meta != nil {
		for _, inner := range detail.Meta.InnerInstructions {
			match, found, err = scanTokenTransfers(inner.Instructions, keys, destination, expect)
			if err != nil {
				return TokenTransferResult{}, err
			}
			if found {
				break
			}
		}
	}
	if !found {
		return TokenTransferResult{}, fmt.Errorf("%w: %s", ErrNoMatchingTransfer, destination.String())
	}

	if match.amount < expect.AmountBaseUnits {
		return TokenTransferResult{}, fmt.Errorf("%w: %d < %d", ErrAmountBelowExpected, match.amount, expect.AmountBaseUnits)
	}

	return TokenTransferResult{
		Owner:             match.owner,
		AmountBaseUnits:   match.amount,
		OverpaidBaseUnits: match.amount - expect.AmountBaseUnits,
	}, nil
}

// resolveDestinationAccount returns the expected destination token account,
// deriving the associated token account when none was given.
func resolveDestinationAccount(expect TokenTransferExpectation) (solana.PublicKey, error) {
	if !expect.RecipientTokenAccount.IsZero() {
		return expect.RecipientTokenAccount, nil
	}
	account, _, err := solana.FindAssociatedTokenAddress(expect.RecipientOwner, expect.Mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("solana: derive recipient token account: %w", err)
	}
	return account, nil
}

type transferMatch struct {
	owner  solana.PublicKey
	amount uint64
}

// scanTokenTransfers looks for a token program transfer to the destination
// account in the given instruction list.
func scanTokenTransfers(instructions []solana.CompiledInstruction, keys []solana.PublicKey, destination solana.PublicKey, expect TokenTransferExpectation) (transferMatch, bool, error) {
	for _, inst := range instructions {
		programID, ok := instructionProgramID(inst, keys)
		if !ok || !programID.Equals(solana.TokenProgramID) {
			continue
		}
		accounts, err := instructionAccounts(inst, keys)
		if err != nil {
			continue
		}
		decoded, err := token.DecodeInstruction(accounts, []byte(inst.Data))
		if err != nil {
			continue
		}
		switch ins := decoded.Impl.(type) {
		case *token.Transfer:
			if len(ins.Accounts) < 3 {
				continue
			}
			if !ins.GetDestinationAccount().PublicKey.Equals(destination) {
				continue
			}
			if ins.Amount == nil {
				return transferMatch{}, false, errors.New("solana: transfer instruction missing amount")
			}
			return transferMatch{owner: ins.GetOwnerAccount().PublicKey, amount: *ins.Amount}, true, nil
		case *token.TransferChecked:
			if len(ins.Accounts) < 4 {
				continue
			}
			if !ins.GetDestinationAccount().PublicKey.Equals(destination) {
				continue
			}
			if !ins.GetMintAccount().PublicKey.Equals(expect.Mint) {
				continue
			}
			if ins.Decimals == nil || *ins.Decimals != expect.Decimals {
				return transferMatch{}, false, fmt.Errorf("solana: transfer decimals mismatch: %v != %d", ins.Decimals, expect.Decimals)
			}
			if ins.Amount == nil {
				return transferMatch{}, false, errors.New("solana: transferChecked instruction missing amount")
			}
			return transferMatch{owner: ins.GetOwnerAccount().PublicKey, amount: *ins.Amount}, true, nil
		default:
			continue
		}
	}
	return transferMatch{}, false, nil
}
