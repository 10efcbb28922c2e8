package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	solanaclient "github.com/VigilPay/server/internal/solana"
)

type paymentResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	BaseUnits uint64 `json:"baseUnits"`
	Recipient string `json:"recipient"`
	Signature string `json:"signature"`
}

type transactionResponse struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message"`
}

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8080", "VigilPay server base URL")
		keypair     = flag.String("keypair", "", "path to Solana keypair (JSON produced by solana-keygen)")
		payerKeyRaw = flag.String("payer-key", "", "inline private key, base58 or JSON byte array (wallet export); alternative to -keypair")
		amount      = flag.String("amount", "", "payment amount in display units, e.g. 0.1")
		kind        = flag.String("kind", "native", "payment kind: native or token")
		memoText    = flag.String("memo", "", "optional transfer memo")
		apiKey      = flag.String("api-key", "", "merchant API key (X-API-Key header)")
		rpcURL      = flag.String("rpc", "https://api.devnet.solana.com", "Solana RPC endpoint for submitting")
		wsURL       = flag.String("ws", "wss://api.devnet.solana.com", "Solana WS endpoint for confirmation")
		waitFor     = flag.Duration("wait", 2*time.Minute, "how long to poll the server for confirmation")
	)
	flag.Parse()

	if *keypair == "" && *payerKeyRaw == "" {
		log.Fatal("one of -keypair or -payer-key is required")
	}
	if *amount == "" {
		log.Fatal("amount flag is required")
	}

	var payerKey solana.PrivateKey
	var err error
	if *payerKeyRaw != "" {
		payerKey, err = solanaclient.ParsePrivateKey(*payerKeyRaw)
		if err != nil {
			log.Fatalf("parse payer key: %v", err)
		}
	} else {
		payerKey, err = solana.PrivateKeyFromSolanaKeygenFile(*keypair)
		if err != nil {
			log.Fatalf("load keypair: %v", err)
		}
	}
	payerPub := payerKey.PublicKey()

	baseURL := strings.TrimRight(*serverURL, "/")

	payment, err := createPayment(baseURL, *apiKey, *amount, *kind, *memoText)
	if err != nil {
		log.Fatalf("create payment: %v", err)
	}
	log.Printf("created payment %s (%s %s, %d base units)", payment.Reference, payment.Amount, payment.Kind, payment.BaseUnits)

	txResp, err := fetchTransaction(baseURL, *apiKey, payment.Reference, payerPub)
	if err != nil {
		log.Fatalf("fetch transaction: %v", err)
	}
	log.Printf("server message: %s", txResp.Message)

	tx, err := solana.TransactionFromBase64(txResp.Transaction)
	if err != nil {
		log.Fatalf("decode transaction: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payerPub) {
			return &payerKey
		}
		return nil
	}); err != nil {
		log.Fatalf("sign transaction: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *waitFor)
	defer cancel()

	rpcClient := rpc.New(*rpcURL)
	sig, err := rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		log.Fatalf("submit transaction: %v", err)
	}
	log.Printf("submitted %s", sig)

	if err := awaitChainConfirmation(ctx, *wsURL, sig); err != nil {
		// The server's monitor will still pick the transfer up; keep polling.
		log.Printf("ws confirmation failed (%v), falling back to server polling", err)
	} else {
		log.Printf("chain confirmed %s", sig)
	}

	final, err := pollUntilSettled(ctx, baseURL, *apiKey, payment.Reference)
	if err != nil {
		log.Fatalf("poll payment: %v", err)
	}
	log.Printf("payment %s is %s (signature %s)", final.Reference, final.Status, final.Signature)
	if final.Status != "confirmed" {
		log.Fatalf("payment did not confirm within %s", *waitFor)
	}
}

func createPayment(baseURL, apiKey, amount, kind, memoText string) (*paymentResponse, error) {
	body, err := json.Marshal(map[string]string{
		"amount": amount,
		"kind":   kind,
		"memo":   memoText,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return doPaymentRequest(req, http.StatusCreated)
}

func fetchTransaction(baseURL, apiKey, reference string, payer solana.PublicKey) (*transactionResponse, error) {
	body, err := json.Marshal(map[string]string{"account": payer.String()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/payments/%s/transaction", baseURL, reference), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var tr transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func awaitChainConfirmation(ctx context.Context, wsURL string, sig solana.Signature) error {
	wsClient, err := ws.Connect(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("connect ws: %w", err)
	}
	defer wsClient.Close()

	sub, err := wsClient.SignatureSubscribe(sig, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("subscribe signature: %w", err)
	}
	defer sub.Unsubscribe()

	res, err := sub.Recv(ctx)
	if err != nil {
		return fmt.Errorf("wait confirmation: %w", err)
	}
	if res == nil {
		return fmt.Errorf("empty confirmation result")
	}
	if res.Value.Err != nil {
		return fmt.Errorf("transaction error: %v", res.Value.Err)
	}
	return nil
}

func pollUntilSettled(ctx context.Context, baseURL, apiKey, reference string) (*paymentResponse, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	var last *paymentResponse
	for {
		req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/payments/%s", baseURL, reference), nil)
		if err != nil {
			return nil, err
		}
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		payment, err := doPaymentRequest(req, http.StatusOK)
		if err != nil {
			return nil, err
		}
		last = payment
		if payment.Status != "pending" {
			return payment, nil
		}

		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}

func doPaymentRequest(req *http.Request, wantStatus int) (*paymentResponse, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return &pr, nil
}
