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
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/app"
	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/report"
	"factorlab/internal/util"
	"factorlab/pkg/factorlab"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: factorlab-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version        Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  run            Run one backtest (locally, or on -server)\n")
	fmt.Fprintf(os.Stderr, "  factor         Print one factor value of a stock\n")
	fmt.Fprintf(os.Stderr, "  score          Print the latest composite score of a stock\n")
	fmt.Fprintf(os.Stderr, "  results        List stored backtest results\n")
	fmt.Fprintf(os.Stderr, "  export         Write the XLSX report of a stored result\n")
	fmt.Fprintf(os.Stderr, "  combinations   List saved factor combinations\n")
	fmt.Fprintf(os.Stderr, "  import         Save a combination from a JSON file\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("factorlab-cli %s\n", version)
	case "run":
		err = runCmd(ctx, args)
	case "factor":
		err = factorCmd(ctx, args)
	case "score":
		err = scoreCmd(ctx, args)
	case "results":
		err = resultsCmd(ctx, args)
	case "export":
		err = exportCmd(ctx, args)
	case "combinations":
		err = combinationsCmd(ctx, args)
	case "import":
		err = importCmd(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// openApp loads the config and builds the local components.
func openApp() (*app.App, error) {
	cfg, err := config.Load(app.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, "text")
	util.SetDefault(logger)
	return app.New(cfg, logger)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	code := fs.String("code", "", "stock code (required)")
	start := fs.String("start", "", "start date YYYY-MM-DD (required)")
	end := fs.String("end", time.Now().Format(domain.DateLayout), "end date YYYY-MM-DD")
	comb := fs.String("combination", "", "saved combination name (required)")
	capital := fs.Float64("capital", 0, "initial capital (0 = configured default)")
	buy := fs.Float64("buy", -1, "buy threshold (-1 = configured default)")
	sell := fs.Float64("sell", -1, "sell threshold (-1 = configured default)")
	reportDir := fs.String("report", "", "write an XLSX report to this directory")
	server := fs.String("server", "", "run on a factorlab-server at this URL instead of locally")
	_ = fs.Parse(args)

	if *code == "" || *start == "" || *comb == "" {
		fs.Usage()
		return fmt.Errorf("-code, -start and -combination are required")
	}

	req := factorlab.BacktestRequest{
		StockCode:       *code,
		StartDate:       *start,
		EndDate:         *end,
		CombinationName: *comb,
	}
	if *capital > 0 {
		req.InitialCapital = capital
	}
	if *buy >= 0 {
		req.BuyThreshold = buy
	}
	if *sell >= 0 {
		req.SellThreshold = sell
	}

	if *server != "" {
		client := factorlab.NewClient(*server)
		result, err := client.RunBacktest(ctx, req)
		if err != nil {
			return err
		}
		printRemoteResult(os.Stdout, result)
		if *reportDir != "" {
			return downloadReport(ctx, client, result.ID, *reportDir)
		}
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	combination, err := a.Combos.GetCombinationByName(ctx, *comb)
	if err != nil {
		return err
	}
	startDate, err := domain.ParseDate(*start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	endDate, err := domain.ParseDate(*end)
	if err != nil {
		return fmt.Errorf("invalid -end: %w", err)
	}
	defCapital, opts := a.BacktestDefaults()
	if req.InitialCapital != nil {
		defCapital = decimal.NewFromFloat(*req.InitialCapital)
	}
	if req.BuyThreshold != nil || req.SellThreshold != nil {
		b, s := a.Config.Backtest.BuyThreshold, a.Config.Backtest.SellThreshold
		if req.BuyThreshold != nil {
			b = *req.BuyThreshold
		}
		if req.SellThreshold != nil {
			s = *req.SellThreshold
		}
		opts = append(opts, domain.WithThresholds(b, s))
	}

	cfg, err := domain.NewBacktestConfig(*code, startDate, endDate, defCapital, combination, opts...)
	if err != nil {
		return err
	}
	result, err := a.Engine.Run(ctx, cfg)
	if err != nil {
		return err
	}
	printResult(os.Stdout, result)

	if *reportDir != "" {
		path, err := report.WriteFile(*reportDir, result)
		if err != nil {
			return err
		}
		fmt.Printf("report: %s\n", path)
	}
	return nil
}

func factorCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("factor", flag.ExitOnError)
	name := fs.String("name", "", "factor name, e.g. turnover_rate (required)")
	code := fs.String("code", "", "stock code (required)")
	asOf := fs.String("as-of", "", "date YYYY-MM-DD (default today)")
	window := fs.Int("window", 0, "factor window (0 = factor default)")
	server := fs.String("server", "", "factorlab-server URL (default: compute locally)")
	_ = fs.Parse(args)

	if *name == "" || *code == "" {
		fs.Usage()
		return fmt.Errorf("-name and -code are required")
	}
	date := time.Now().UTC()
	if *asOf != "" {
		d, err := domain.ParseDate(*asOf)
		if err != nil {
			return fmt.Errorf("invalid -as-of: %w", err)
		}
		date = d
	}

	if *server != "" {
		fv, err := factorlab.NewClient(*server).GetFactorValue(ctx, *name, *code, date, *window)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s = %.6f\n", fv.StockCode, fv.Factor, fv.AsOf, fv.Value)
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.NewCalculator().Value(ctx, *name, *code, date, *window)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s = %.6f\n", *code, *name, domain.DateKey(date), v)
	return nil
}

func scoreCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	code := fs.String("code", "", "stock code (required)")
	comb := fs.String("combination", "", "saved combination name (required)")
	asOf := fs.String("as-of", "", "score date YYYY-MM-DD (default today)")
	window := fs.Int("window", 0, "normalization window (0 = configured default)")
	server := fs.String("server", "", "factorlab-server URL (default: compute locally)")
	_ = fs.Parse(args)

	if *code == "" || *comb == "" {
		fs.Usage()
		return fmt.Errorf("-code and -combination are required")
	}
	date := time.Now().UTC()
	if *asOf != "" {
		d, err := domain.ParseDate(*asOf)
		if err != nil {
			return fmt.Errorf("invalid -as-of: %w", err)
		}
		date = d
	}

	if *server != "" {
		score, err := factorlab.NewClient(*server).GetScore(ctx, *code, *comb, date, *window)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s score=%.4f\n", score.StockCode, score.Combination, score.Date, score.Score)
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	combination, err := a.Combos.GetCombinationByName(ctx, *comb)
	if err != nil {
		return err
	}
	rec, err := a.Engine.ScoreLatest(ctx, *code, combination, date, *window)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s score=%.4f close=%.2f\n", *code, combination.Name, domain.DateKey(rec.Date), rec.Score, rec.Close)
	for name, v := range rec.Factors {
		fmt.Printf("  %-18s %12.4f\n", name, v)
	}
	return nil
}

func resultsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("results", flag.ExitOnError)
	code := fs.String("code", "", "filter by stock code")
	_ = fs.Parse(args)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Results.ListResults(ctx, *code)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tCOMBINATION\tSTART\tEND\tRETURN\tSHARPE\tTRADES")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f%%\t%.2f\t%d\n",
			r.ID, r.StockCode, r.CombinationName, domain.DateKey(r.StartDate), domain.DateKey(r.EndDate),
			r.Metrics.TotalReturn*100, r.Metrics.SharpeRatio, r.Metrics.TotalTrades)
	}
	return tw.Flush()
}

func exportCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	id := fs.String("id", "", "result ID (required)")
	dir := fs.String("out", "", "output directory (default report.dir)")
	_ = fs.Parse(args)

	if *id == "" {
		fs.Usage()
		return fmt.Errorf("-id is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Results.GetResult(ctx, *id)
	if err != nil {
		return err
	}
	out := *dir
	if out == "" {
		out = a.Config.Report.Dir
	}
	path, err := report.WriteFile(out, result)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func combinationsCmd(ctx context.Context, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	combs, err := a.Combos.ListCombinations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tFACTORS")
	for i := range combs {
		c := &combs[i]
		names := ""
		for j, f := range c.ActiveFactors() {
			if j > 0 {
				names += ","
			}
			names += fmt.Sprintf("%s(%s)", f.Name, f.Weight)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.Name, len(c.ActiveFactors()), names)
	}
	return tw.Flush()
}

func importCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "combination JSON file (required)")
	_ = fs.Parse(args)

	if *file == "" {
		fs.Usage()
		return fmt.Errorf("-file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var comb domain.Combination
	if err := json.Unmarshal(data, &comb); err != nil {
		return fmt.Errorf("parsing %s: %w", *file, err)
	}
	if comb.Name == "" || len(comb.ActiveFactors()) == 0 {
		return fmt.Errorf("%s: combination needs a name and at least one active factor", *file)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if existing, err := a.Combos.GetCombinationByName(ctx, comb.Name); err == nil {
		comb.ID = existing.ID
		comb.CreatedAt = existing.CreatedAt
	}
	if err := a.Combos.SaveCombination(ctx, &comb); err != nil {
		return err
	}
	fmt.Printf("saved %s (%s)\n", comb.Name, comb.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printResult(w io.Writer, r *domain.BacktestResult) {
	m := r.Metrics
	fmt.Fprintf(w, "result       %s\n", r.ID)
	fmt.Fprintf(w, "stock        %s  %s to %s  (%d days)\n", r.StockCode, domain.DateKey(r.StartDate), domain.DateKey(r.EndDate), r.DataPoints)
	fmt.Fprintf(w, "combination  %s\n", r.CombinationName)
	fmt.Fprintf(w, "final value  %.2f (initial %s)\n", r.FinalValue, r.InitialCapital)
	fmt.Fprintf(w, "return       %.2f%% total, %.2f%% annual, benchmark %.2f%%\n", m.TotalReturn*100, m.AnnualReturn*100, m.BenchmarkReturn*100)
	fmt.Fprintf(w, "risk         maxDD %.2f%%  sharpe %.2f  sortino %.2f  calmar %.2f  vol %.2f%%\n", m.MaxDrawdown*100, m.SharpeRatio, m.SortinoRatio, m.CalmarRatio, m.Volatility*100)
	fmt.Fprintf(w, "trades       %d (win rate %.1f%%, P/L ratio %.2f, SQN %.2f)\n", m.TotalTrades, m.WinRate*100, m.ProfitLossRatio, m.SQN)
	fmt.Fprintf(w, "elapsed      %s\n", r.RunTime.Round(time.Millisecond))
}

func printRemoteResult(w io.Writer, r *factorlab.Result) {
	m := r.Metrics
	fmt.Fprintf(w, "result       %s\n", r.ID)
	fmt.Fprintf(w, "stock        %s  (%d days)\n", r.StockCode, r.DataPoints)
	fmt.Fprintf(w, "final value  %.2f (initial %s)\n", r.FinalValue, r.InitialCapital)
	fmt.Fprintf(w, "return       %.2f%% total, benchmark %.2f%%\n", m["total_return"]*100, m["benchmark_return"]*100)
	fmt.Fprintf(w, "risk         maxDD %.2f%%  sharpe %.2f\n", m["max_drawdown"]*100, m["sharpe_ratio"])
	fmt.Fprintf(w, "trades       %.0f\n", m["total_trades"])
}

func downloadReport(ctx context.Context, client *factorlab.Client, id, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%s.xlsx", dir, id)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := client.DownloadReport(ctx, id, f); err != nil {
		return err
	}
	fmt.Printf("report: %s\n", path)
	return nil
}
