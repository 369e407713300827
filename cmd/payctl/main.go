package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"interpay/ledger"
	"interpay/observability/logging"
	"interpay/pay"
)

const (
	quoteCommand  = "quote"
	payCommand    = "pay"
	defaultConfig = "./payctl.toml"
)

type fileConfig struct {
	LedgerRPCURL string `toml:"LedgerRPCURL"`
	LedgerWSURL  string `toml:"LedgerWSURL"`
	AuthToken    string `toml:"AuthToken"`
	MaxHold      string `toml:"MaxHold"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case quoteCommand:
		runQuote(os.Args[2:])
	case payCommand:
		runPay(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `payctl drives the conditional payment coordinator against a ledger.

Usage:
  payctl quote -to-ledger URL -to-account URL -amount N -condition CC [-expires-in 10s]
  payctl pay [-params FILE]

Flags common to both commands:
  -config   Path to the payctl config file (default %s)
`, defaultConfig)
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.LedgerRPCURL == "" {
		return cfg, fmt.Errorf("config %s does not set LedgerRPCURL", path)
	}
	return cfg, nil
}

func runQuote(args []string) {
	fs := flag.NewFlagSet(quoteCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payctl config file")
	toLedger := fs.String("to-ledger", "", "Destination ledger identifier")
	toAccount := fs.String("to-account", "", "Destination account identifier")
	amount := fs.String("amount", "", "Destination amount")
	condition := fs.String("condition", "", "Execution condition the fulfillment must satisfy")
	requestID := fs.String("id", "", "Request identifier (generated when omitted)")
	expiresIn := fs.Duration("expires-in", 10*time.Second, "Hold duration before the transfer expires")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	id := *requestID
	if id == "" {
		id = uuid.NewString()
	}
	req := pay.PaymentRequest{
		ID:                 id,
		DestinationLedger:  *toLedger,
		DestinationAccount: *toAccount,
		DestinationAmount:  *amount,
		ExecutionCondition: *condition,
		ExpiresAt:          pay.NewTransferTime(time.Now().Add(*expiresIn)),
	}

	quoter := pay.NewQuoter(ledger.NewClient(cfg.LedgerRPCURL, cfg.AuthToken))
	if cfg.MaxHold != "" {
		maxHold, err := time.ParseDuration(cfg.MaxHold)
		if err != nil {
			fatal(fmt.Errorf("parse MaxHold: %w", err))
		}
		quoter.WithMaxHoldDuration(maxHold)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	params, err := quoter.QuoteRequest(ctx, req)
	if err != nil {
		fatal(err)
	}
	printJSON(params)
}

func runPay(args []string) {
	fs := flag.NewFlagSet(payCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payctl config file")
	paramsPath := fs.String("params", "-", "Payment parameters JSON file, or - for stdin")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.LedgerWSURL == "" {
		fatal(fmt.Errorf("config %s does not set LedgerWSURL", *configPath))
	}

	params, err := readParams(*paramsPath)
	if err != nil {
		fatal(err)
	}

	logger := logging.Setup("payctl", os.Getenv("INTERPAY_ENV"))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ledger.NewClient(cfg.LedgerRPCURL, cfg.AuthToken)
	stream := ledger.NewStream(cfg.LedgerWSURL, cfg.AuthToken, logger)
	go func() { _ = stream.Run(ctx) }()

	fulfillment, err := pay.NewPayExecutor(client, stream).PayRequest(ctx, params)
	if err != nil {
		fatal(err)
	}
	printJSON(map[string]string{
		"request_id":  params.DestinationMemo.RequestID,
		"fulfillment": fulfillment,
	})
}

func readParams(path string) (pay.PaymentParams, error) {
	var params pay.PaymentParams
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return params, fmt.Errorf("read params: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("decode params: %w", err)
	}
	return params, nil
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
