package solana

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// TransferRequest contains the parameters needed to build an unsigned
// payment transaction. A zero TokenMint builds a native transfer; otherwise
// a checked token transfer between associated token accounts.
type TransferRequest struct {
	Payer           solana.PublicKey // wallet that signs and funds the transfer
	Recipient       solana.PublicKey // merchant wallet (owner address, never a token account)
	Reference       solana.PublicKey // tracking key appended to the transfer instruction
	AmountBaseUnits uint64           // lamports for native, mint base units for tokens
	TokenMint       solana.PublicKey // zero for native transfers
	TokenDecimals   uint8            // mint decimals, required for token transfers

	// CreateRecipientTokenAccount prepends an associated token account
	// creation for the recipient. Set only when the account is known to be
	// missing; creation of an existing account fails the whole transaction.
	CreateRecipientTokenAccount bool

	Memo             string      // optional memo instruction payload
	ComputeUnitLimit uint32      // optional compute budget limit
	ComputeUnitPrice uint64      // optional priority fee in microlamports
	Blockhash        solana.Hash // recent blockhash
}

// TransferTxResponse contains the unsigned transaction to be signed and
// submitted by the payer's wallet.
type TransferTxResponse struct {
	Transaction string `json:"transaction"` // Base64-encoded unsigned transaction
	Blockhash   string `json:"blockhash"`   // Recent blockhash used
}

// BuildTransferTransaction constructs an unsigned payment transaction with
// the payment reference attached to the transfer instruction as a read-only
// non-signing account. The reference key survives message compilation, which
// is what lets the monitor later locate the payment by signature scanning.
func BuildTransferTransaction(req TransferRequest) (TransferTxResponse, error) {
	if req.Payer.IsZero() {
		return TransferTxResponse{}, errors.New("solana: payer required")
	}
	if req.Recipient.IsZero() {
		return TransferTxResponse{}, errors.New("solana: recipient required")
	}
	if req.Reference.IsZero() {
		return TransferTxResponse{}, errors.New("solana: reference required")
	}
	if req.AmountBaseUnits == 0 {
		return TransferTxResponse{}, errors.New("solana: amount required")
	}

	instructions := make([]solana.Instruction, 0, 5)

	if req.ComputeUnitLimit > 0 {
		instructions = append(instructions,
			computebudget.NewSetComputeUnitLimitInstruction(req.ComputeUnitLimit).Build(),
		)
	}
	if req.ComputeUnitPrice > 0 {
		instructions = append(instructions,
			computebudget.NewSetComputeUnitPriceInstruction(req.ComputeUnitPrice).Build(),
		)
	}

	if req.TokenMint.IsZero() {
		transfer := system.NewTransferInstruction(req.AmountBaseUnits, req.Payer, req.Recipient)
		transfer.AccountMetaSlice = append(transfer.AccountMetaSlice, solana.Meta(req.Reference))
		instructions = append(instructions, transfer.Build())
	} else {
		sourceAccount, _, err := solana.FindAssociatedTokenAddress(req.Payer, req.TokenMint)
		if err != nil {
			return TransferTxResponse{}, fmt.Errorf("solana: derive payer token account: %w", err)
		}
		destinationAccount, _, err := solana.FindAssociatedTokenAddress(req.Recipient, req.TokenMint)
		if err != nil {
			return TransferTxResponse{}, fmt.Errorf("solana: derive recipient token account: %w", err)
		}

		if req.CreateRecipientTokenAccount {
			instructions = append(instructions,
				associatedtokenaccount.NewCreateInstruction(
					req.Payer,
					req.Recipient,
					req.TokenMint,
				).Build(),
			)
		}

		transfer := token.NewTransferCheckedInstruction(
			req.AmountBaseUnits,
			req.TokenDecimals,
			sourceAccount,
			req.TokenMint,
			destinationAccount,
			req.Payer,
			[]solana.PublicKey{},
		)
		transfer.Accounts = append(transfer.Accounts, solana.Meta(req.Reference))
		instructions = append(instructions, transfer.Build())
	}

	if req.Memo != "" {
		instructions = append(instructions,
			memo.NewMemoInstruction([]byte(req.Memo), req.Payer).Build(),
		)
	}

	tx, err := solana.NewTransaction(
		instructions,
		req.Blockhash,
		solana.TransactionPayer(req.Payer),
	)
	if err != nil {
		return TransferTxResponse{}, fmt.Errorf("solana: build transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return TransferTxResponse{}, fmt.Errorf("solana: serialize transaction: %w", err)
	}

	return TransferTxResponse{
		Transaction: base64.StdEncoding.EncodeToString(txBytes),
		Blockhash:   req.Blockhash.String(),
	}, nil
}
