// ChainGuard - Explainable risk scoring for blockchain transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command chainguard-score scores a CSV file of transactions offline.
//
// Usage:
//
//	chainguard-score -csv transactions.csv [-format table] [-rules extra.json] [-label is_fraud]
//
// With -label, the named column is read as a ground-truth flag ("1" or
// "true") and the output includes a confusion matrix of top-band
// assessments against it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/opensource-finance/chainguard/internal/config"
	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/ingest"
	"github.com/opensource-finance/chainguard/internal/logging"
	"github.com/opensource-finance/chainguard/internal/pipeline"
	"github.com/opensource-finance/chainguard/internal/rules"
	"github.com/opensource-finance/chainguard/internal/scoring"
)

type options struct {
	csvPath   string
	format    string
	rulesFile string
	bands     string
	disabled  []string
	currency  string
	workers   int
	label     string
}

func main() {
	var opts options
	var disabled string
	flag.StringVar(&opts.csvPath, "csv", "-", "Path to the transactions CSV file (- for stdin)")
	flag.StringVar(&opts.format, "format", "json", "Output format: json or table")
	flag.StringVar(&opts.rulesFile, "rules", "", "JSON file of additional rules")
	flag.StringVar(&opts.bands, "bands", "", "Band thresholds as Name:min pairs (default Low:0,Medium:31,High:71)")
	flag.StringVar(&disabled, "disable", "", "Comma-separated rule ids to disable")
	flag.StringVar(&opts.currency, "currency", "", "Currency assumed for rows without one")
	flag.IntVar(&opts.workers, "workers", 0, "Concurrent row workers (0 = GOMAXPROCS)")
	flag.StringVar(&opts.label, "label", "", "Ground-truth column for a confusion matrix")
	verbose := flag.Bool("verbose", false, "Log progress to stderr")
	flag.Parse()
	opts.disabled = splitList(disabled)

	if opts.format != "json" && opts.format != "table" {
		fmt.Fprintln(os.Stderr, "Usage: chainguard-score -csv transactions.csv [-format json|table]")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(os.Stderr, level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	in := io.Reader(os.Stdin)
	if opts.csvPath != "-" {
		f, err := os.Open(opts.csvPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	if err := score(ctx, svc, opts, in, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// newService builds a pipeline with no repository, cache or bus.
func newService(opts options, logger *slog.Logger) (*pipeline.Service, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}

	extra, err := config.LoadRulesFile(opts.rulesFile)
	if err != nil {
		return nil, err
	}

	scoringCfg, err := config.ScoringRules(domain.ScoringConfig{
		Bands:    opts.bands,
		Disabled: opts.disabled,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Options{
		Engine:          engine,
		BaseRules:       rules.Merge(rules.BuiltinRules(), extra),
		Scoring:         scoringCfg,
		Workers:         opts.workers,
		DefaultCurrency: opts.currency,
		Logger:          logger,
	})
}

// output is the JSON document written in json format.
type output struct {
	*domain.Run
	Confusion *confusion `json:"confusion,omitempty"`
}

// confusion compares top-band assessments with a ground-truth column.
type confusion struct {
	Label          string  `json:"label"`
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	TrueNegatives  int     `json:"trueNegatives"`
	FalseNegatives int     `json:"falseNegatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

func score(ctx context.Context, svc *pipeline.Service, opts options, in io.Reader, out io.Writer) error {
	rows, err := ingest.ReadCSV(in)
	if err != nil {
		return fmt.Errorf("failed to read csv: %w", err)
	}

	run, err := svc.Score(ctx, "local", "", rows)
	if err != nil && (run == nil || !errors.Is(err, context.Canceled)) {
		return err
	}

	var cm *confusion
	if opts.label != "" {
		reg, err := svc.Registry(ctx, "local")
		if err != nil {
			return err
		}
		cm = newConfusion(opts.label, rows, run.Assessments, reg.Thresholds())
	}

	if opts.format == "table" {
		return writeTable(out, run, cm)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(output{Run: run, Confusion: cm})
}

func newConfusion(label string, rows []domain.TransactionRow, assessments []domain.RiskAssessment, thresholds []domain.BandThreshold) *confusion {
	actual := make(map[int]bool, len(rows))
	for _, r := range rows {
		v := strings.ToLower(strings.TrimSpace(r.Fields[label]))
		actual[r.Index] = v == "1" || v == "true"
	}

	cm := &confusion{Label: label}
	for i := range assessments {
		predicted := scoring.IsTopBand(assessments[i].Band, thresholds)
		switch fraud := actual[assessments[i].RowIndex]; {
		case predicted && fraud:
			cm.TruePositives++
		case predicted && !fraud:
			cm.FalsePositives++
		case !predicted && !fraud:
			cm.TrueNegatives++
		default:
			cm.FalseNegatives++
		}
	}

	if n := cm.TruePositives + cm.FalsePositives; n > 0 {
		cm.Precision = float64(cm.TruePositives) / float64(n)
	}
	if n := cm.TruePositives + cm.FalseNegatives; n > 0 {
		cm.Recall = float64(cm.TruePositives) / float64(n)
	}
	if cm.Precision+cm.Recall > 0 {
		cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
	}
	return cm
}

func writeTable(out io.Writer, run *domain.Run, cm *confusion) error {
	r := run.Report
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", run.Status)
	fmt.Fprintf(tw, "Rows:\t%d total, %d scored, %d skipped\n", r.Total, r.Processed, r.Skipped)
	if r.Cancelled {
		fmt.Fprintf(tw, "Unprocessed:\t%d\n", r.Unprocessed)
	}
	fmt.Fprintf(tw, "Fingerprint:\t%s\n", r.Fingerprint)

	fmt.Fprintln(tw, "\nBAND\tCOUNT")
	for _, band := range sortedBands(r.BandCounts) {
		fmt.Fprintf(tw, "%s\t%d\n", band, r.BandCounts[band])
	}

	fmt.Fprintln(tw, "\nRULE\tCATEGORY\tTRIGGERED\tNOT APPLICABLE")
	for _, ri := range r.RuleImpact {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", ri.RuleID, ri.Category, ri.Triggered, ri.NotApplicable)
	}

	if len(r.SkippedRows) > 0 {
		fmt.Fprintln(tw, "\nSKIPPED ROW\tTX\tREASON")
		for _, s := range r.SkippedRows {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Index, s.TxID, s.Reason)
		}
	}

	fmt.Fprintln(tw, "\nTX\tSCORE\tBAND\tSUMMARY")
	for _, a := range run.Assessments {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", a.TxID, a.Score, a.Band, a.Summary)
	}

	if cm != nil {
		fmt.Fprintf(tw, "\nLabel:\t%s\n", cm.Label)
		fmt.Fprintf(tw, "TP / FP:\t%d / %d\n", cm.TruePositives, cm.FalsePositives)
		fmt.Fprintf(tw, "TN / FN:\t%d / %d\n", cm.TrueNegatives, cm.FalseNegatives)
		fmt.Fprintf(tw, "Precision:\t%.4f\n", cm.Precision)
		fmt.Fprintf(tw, "Recall:\t%.4f\n", cm.Recall)
		fmt.Fprintf(tw, "F1:\t%.4f\n", cm.F1)
	}

	return tw.Flush()
}

// sortedBands orders bands by count descending, then name.
func sortedBands(counts map[domain.Band]int) []domain.Band {
	out := make([]domain.Band, 0, len(counts))
	for b := range counts {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
