package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VigilPay/server/internal/callbacks"
	"github.com/VigilPay/server/internal/config"
)

func main() {
	var (
		listen    = flag.String("listen", ":9090", "address for the local webhook receiver")
		failFirst = flag.Int("fail-first", 0, "respond 500 to this many deliveries before accepting (exercises retry)")
		send      = flag.Bool("send", false, "send one synthetic payment.confirmed event instead of listening")
		cfgPath   = flag.String("config", "", "path to config yaml for send mode (optional, env vars apply)")
		reference = flag.String("reference", "callback-test", "payment reference for the synthetic event")
		amount    = flag.String("amount", "0.25", "display amount for the synthetic event")
		signature = flag.String("signature", "", "transaction signature for the synthetic event")
	)
	flag.Parse()

	if *send {
		sendSynthetic(*cfgPath, *reference, *amount, *signature)
		return
	}

	var delivered atomic.Int64
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var event callbacks.PaymentEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			log.Printf("bad payload: %v", err)
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		n := delivered.Add(1)
		if int(n) <= *failFirst {
			log.Printf("[%d] rejecting %s (%s) to trigger a retry", n, event.EventID, event.EventType)
			http.Error(w, "synthetic failure", http.StatusInternalServerError)
			return
		}

		log.Printf("[%d] %s %s reference=%s amount=%s base_units=%d signature=%s overpaid=%d",
			n, event.EventType, event.EventID, event.Reference, event.Amount,
			event.BaseUnits, event.Signature, event.OverpaidBaseUnits)
		if len(event.Metadata) > 0 {
			log.Printf("      metadata: %v", event.Metadata)
		}
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("webhook receiver listening on %s (point callbacks.payment_confirmed_url here)", *listen)
	if err := http.ListenAndServe(*listen, nil); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func sendSynthetic(cfgPath, reference, amount, signature string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Callbacks.PaymentConfirmedURL == "" {
		log.Fatalf("callbacks payment_confirmed_url is not configured")
	}

	event := callbacks.PaymentEvent{
		Reference:   reference,
		Instrument:  "native",
		Amount:      amount,
		Signature:   signature,
		ConfirmedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := callbacks.SendOnce(ctx, cfg.Callbacks, event); err != nil {
		log.Fatalf("send callback: %v", err)
	}
	fmt.Printf("delivered synthetic payment.confirmed for %s to %s\n", reference, cfg.Callbacks.PaymentConfirmedURL)
}
