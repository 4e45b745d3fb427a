package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/merchant-categorizer/internal/app"
	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

func main() {
	var (
		in         = flag.String("in", "-", "Input file with transactions, - for stdin")
		out        = flag.String("out", "-", "Output file for results, - for stdout")
		lines      = flag.Bool("jsonl", false, "Read and write JSON Lines, streaming results as they finish")
		batchID    = flag.String("batch-id", "", "Batch id for exported rows (generated when empty)")
		export     = flag.Bool("export", false, "Export results to BigQuery and the Notion review queue when configured")
		noResearch = flag.Bool("no-research", false, "Do not call external lookup or reasoning services")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout carries only results.
	log := logger.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr}).Level(logger.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, app.Options{WithoutResearch: *noResearch})
	if err != nil {
		if errors.Is(err, knowledge.ErrStoreCorrupted) {
			log.Error().Err(err).Msg(app.RepairHint)
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	r, closeIn, err := openInput(*in)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open input")
	}
	defer closeIn()

	w, closeOut, err := openOutput(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open output")
	}

	if *batchID == "" {
		*batchID = uuid.New().String()
	}

	var txs []domain.Transaction
	var results []domain.CategorizationResult
	if *lines {
		txs, results, err = runStream(ctx, a, r, w)
	} else {
		txs, results, err = runBatch(ctx, a, r, w)
	}
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Categorization failed")
	}

	if *export {
		if err := a.Export(ctx, *batchID, txs, results); err != nil {
			log.Error().Err(err).Str("batch_id", *batchID).Msg("Export failed")
			os.Exit(1)
		}
	}

	stats := a.Engine.Stats()
	log.Info().
		Str("batch_id", *batchID).
		Int64("total", stats.Total).
		Int64("rule", stats.Rule).
		Int64("memory", stats.Memory).
		Int64("research", stats.Research).
		Int64("needs_review", stats.NeedsReview).
		Msg("Batch finished")
}

// runBatch reads a JSON array (or {"transactions": [...]}) and writes a JSON
// array of results in input order.
func runBatch(ctx context.Context, a *app.App, r io.Reader, w io.Writer) ([]domain.Transaction, []domain.CategorizationResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read input: %w", err)
	}

	var txs []domain.Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		var wrapped struct {
			Transactions []domain.Transaction `json:"transactions"`
		}
		if werr := json.Unmarshal(raw, &wrapped); werr != nil {
			return nil, nil, fmt.Errorf("decode input: %w", err)
		}
		txs = wrapped.Transactions
	}

	results := a.Engine.CategorizeBatch(ctx, txs)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return nil, nil, fmt.Errorf("write results: %w", err)
	}
	return txs, results, nil
}

// runStream reads one transaction per line and writes each result as soon as
// it is ready, in completion order.
func runStream(ctx context.Context, a *app.App, r io.Reader, w io.Writer) ([]domain.Transaction, []domain.CategorizationResult, error) {
	in := make(chan domain.Transaction)
	byID := make(map[string]domain.Transaction)

	readErr := make(chan error, 1)
	go func() {
		defer close(in)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var tx domain.Transaction
			if err := json.Unmarshal(scanner.Bytes(), &tx); err != nil {
				readErr <- fmt.Errorf("line %d: %w", lineNo, err)
				return
			}
			select {
			case in <- tx:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var (
		txs     []domain.Transaction
		results []domain.CategorizationResult
	)
	enc := json.NewEncoder(w)
	for res := range a.Engine.CategorizeStream(ctx, teeTransactions(in, byID)) {
		if err := enc.Encode(res); err != nil {
			return nil, nil, fmt.Errorf("write result: %w", err)
		}
		results = append(results, res)
	}
	for _, res := range results {
		txs = append(txs, byID[res.TransactionID])
	}

	if err := <-readErr; err != nil {
		return txs, results, fmt.Errorf("read input: %w", err)
	}
	return txs, results, nil
}

// teeTransactions records every transaction by id as it passes through so
// results can be paired with their inputs for export.
func teeTransactions(in <-chan domain.Transaction, byID map[string]domain.Transaction) <-chan domain.Transaction {
	out := make(chan domain.Transaction)
	go func() {
		defer close(out)
		for tx := range in {
			byID[tx.ID] = tx
			out <- tx
		}
	}()
	return out
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
