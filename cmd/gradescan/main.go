package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/gradescan/internal/evaluate"
	"github.com/pavelanni/gradescan/internal/handler"
	appI18n "github.com/pavelanni/gradescan/internal/i18n"
	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/objstore"
	"github.com/pavelanni/gradescan/internal/reconcile"
	"github.com/pavelanni/gradescan/internal/scorer"
	"github.com/pavelanni/gradescan/internal/store"
	"github.com/pavelanni/gradescan/internal/vision"
	"github.com/pavelanni/gradescan/internal/vision/prompts"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradescan",
		Short: "Answer-sheet evaluation pipeline for school tests",
	}

	serve := serveCmd()
	root.AddCommand(serve, evaluateCmd(), extractCmd(), reconcileCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "gradescan.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func pipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("scorer-url", "", "Paper-evaluation scorer base URL (required)")
	f.String("scorer-key", "", "API key for the scorer (or set GRADESCAN_SCORER_KEY)")
	f.String("storage-url", "", "Object storage service base URL (required)")
	f.String("storage-key", "", "API key for object storage (or set GRADESCAN_STORAGE_KEY)")
	f.String("storage-bucket", "documents", "Object storage bucket for documents")
	f.Int("max-retries", 2, "Additional scoring attempts after the first")
	f.Duration("retry-delay", 5*time.Second, "First retry delay, doubles per attempt")
	f.Int("zip-level", 1, "Zip compression level for page archives")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the evaluation HTTP API",
		RunE:  runServe,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	cmd.Flags().StringP("addr", "a", ":8080", "HTTP listen address")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate answer sheets for a test",
		RunE:  runEvaluate,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	f := cmd.Flags()
	f.Int64("test-id", 0, "Test to evaluate (required)")
	f.Int64("student-id", 0, "Single student to evaluate (0 = every student)")
	_ = cmd.MarkFlagRequired("test-id")
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract and cache text from an uploaded document",
		RunE:  runExtract,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	f := cmd.Flags()
	f.Int64("test-id", 0, "Test the document belongs to (required)")
	f.Int64("student-id", 0, "Student for answer sheets (0 for test-level documents)")
	f.String("role", "answer_sheet", "Document role (question_paper, answer_key, answer_sheet)")
	f.String("vision-url", "", "OpenAI-compatible vision API base URL")
	f.String("vision-key", "", "API key for the vision model")
	f.String("vision-model", "gpt-4o-mini", "Vision model name")
	_ = cmd.MarkFlagRequired("test-id")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair grade ledger rows that drifted from evaluation summaries",
		RunE:  runReconcile,
	}
	commonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a test's evaluations and grades as JSON",
		RunE:  runExport,
	}
	commonFlags(cmd)
	f := cmd.Flags()
	f.Int64("test-id", 0, "Test to export (required)")
	f.String("date", "", "Test date in YYYY-MM-DD format")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("test-id")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradescan")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradescan")
	v.AddConfigPath("/etc/gradescan")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// pipeline bundles everything a pipeline command needs.
type pipeline struct {
	store   *store.Store
	gateway *objstore.Client
	scorer  *scorer.Client
	orch    *evaluate.Orchestrator
	config  model.PipelineConfig
}

// buildPipeline validates configuration and wires up the pipeline.
// Missing credentials are fatal here, before any work starts.
func buildPipeline(v *viper.Viper) (*pipeline, error) {
	for _, key := range []string{"scorer-url", "scorer-key", "storage-url", "storage-key"} {
		if v.GetString(key) == "" {
			return nil, fmt.Errorf("%w: set --%s (or GRADESCAN_%s)",
				evaluate.ErrConfiguration,
				key, strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
		}
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		db.Close()
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	cfg := model.PipelineConfig{
		Bucket:           v.GetString("storage-bucket"),
		MaxRetries:       v.GetInt("max-retries"),
		RetryBaseDelay:   v.GetDuration("retry-delay"),
		ArchivePageLimit: vision.MaxArchivePages,
		ZipCompression:   v.GetInt("zip-level"),
	}

	gw := objstore.New(v.GetString("storage-url"), cfg.Bucket, v.GetString("storage-key"))
	sc := scorer.New(v.GetString("scorer-url"), v.GetString("scorer-key"))
	orch := evaluate.New(db, sc,
		evaluate.WithMaxAttempts(cfg.MaxRetries+1),
		evaluate.WithBaseDelay(cfg.RetryBaseDelay),
		evaluate.WithNotifier(stdoutNotifier{}),
	)

	return &pipeline{store: db, gateway: gw, scorer: sc, orch: orch, config: cfg}, nil
}

// stdoutNotifier prints localized progress messages for CLI users.
type stdoutNotifier struct{}

func (stdoutNotifier) Notify(_ context.Context, message string) {
	fmt.Println(message)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	p, err := buildPipeline(v)
	if err != nil {
		return err
	}
	defer p.store.Close()

	if err := p.scorer.Ping(context.Background()); err != nil {
		return fmt.Errorf("scorer health check: %w", err)
	}
	slog.Info("scorer endpoint OK", "url", v.GetString("scorer-url"))

	h := handler.New(p.store, p.orch, p.gateway, p.scorer, p.config)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(v.GetString("lang")))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"scorer_url", v.GetString("scorer-url"),
		"storage_url", v.GetString("storage-url"),
		"bucket", p.config.Bucket,
		"lang", v.GetString("lang"),
	)
	return http.ListenAndServe(addr, r)
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	p, err := buildPipeline(v)
	if err != nil {
		return err
	}
	defer p.store.Close()

	testID := v.GetInt64("test-id")
	ctx := context.Background()

	if studentID := v.GetInt64("student-id"); studentID != 0 {
		ev, err := p.orch.Evaluate(ctx, testID, studentID)
		if err != nil {
			return err
		}
		slog.Info("evaluation finished", "status", ev.Status, "retries", ev.RetryCount)
		return nil
	}

	students, err := p.store.ListStudents()
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}

	// Each student's evaluation is independent; dispatch them
	// concurrently. The store's status claim keeps re-triggers out.
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for _, st := range students {
		wg.Add(1)
		go func(st model.Student) {
			defer wg.Done()
			ev, err := p.orch.Evaluate(ctx, testID, st.ID)
			switch {
			case err == nil:
				slog.Info("evaluated", "student", st.ExternalID, "status", ev.Status)
			case errors.Is(err, evaluate.ErrNoAnswerSheet):
				slog.Info("skipped, no answer sheet", "student", st.ExternalID)
			default:
				slog.Error("evaluation failed", "student", st.ExternalID, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(st)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d evaluations failed", failed, len(students))
	}
	return nil
}

func runExtract(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	p, err := buildPipeline(v)
	if err != nil {
		return err
	}
	defer p.store.Close()

	role, err := model.ParseDocumentRole(v.GetString("role"))
	if err != nil {
		return err
	}
	testID := v.GetInt64("test-id")
	studentID := v.GetInt64("student-id")

	asset, err := p.store.GetDocumentAsset(testID, studentID, role)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if asset == nil {
		return fmt.Errorf("no %s uploaded for test %d", role, testID)
	}

	test, err := p.store.GetTest(testID)
	if err != nil {
		return fmt.Errorf("load test: %w", err)
	}

	extractor, err := vision.New(
		v.GetString("vision-url"),
		v.GetString("vision-key"),
		v.GetString("vision-model"),
		p.gateway,
	)
	if err != nil {
		return err
	}

	text, err := extractor.Extract(context.Background(), *asset,
		prompts.Data{Subject: test.Subject, Topic: test.Topic})
	if err != nil {
		return fmt.Errorf("extract %s: %w", role, err)
	}

	if err := p.store.SetAssetExtractedText(asset.ID, text); err != nil {
		return fmt.Errorf("cache extracted text: %w", err)
	}
	slog.Info("extracted and cached text", "role", role, "chars", len(text))
	fmt.Println(text)
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repaired, err := reconcile.New(db).Repair()
	if err != nil {
		return fmt.Errorf("repair ledger: %w", err)
	}
	if err := db.SetLastReconcileRun(time.Now()); err != nil {
		slog.Warn("record reconcile run", "error", err)
	}

	slog.Info("reconcile finished", "repaired", repaired)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportTestResults(v.GetInt64("test-id"))
	if err != nil {
		return fmt.Errorf("export test results: %w", err)
	}
	if date := v.GetString("date"); date != "" {
		export.Date = date
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	return nil
}
