package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adithyarao/scriptgrader/internal/aggregate"
	"github.com/adithyarao/scriptgrader/internal/corpus"
	"github.com/adithyarao/scriptgrader/internal/embedding"
	"github.com/adithyarao/scriptgrader/internal/extract"
	"github.com/adithyarao/scriptgrader/internal/handler"
	"github.com/adithyarao/scriptgrader/internal/llm"
	"github.com/adithyarao/scriptgrader/internal/model"
	"github.com/adithyarao/scriptgrader/internal/pipeline"
	"github.com/adithyarao/scriptgrader/internal/ratelimit"
	"github.com/adithyarao/scriptgrader/internal/refsynth"
	"github.com/adithyarao/scriptgrader/internal/score"
	"github.com/adithyarao/scriptgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scriptgrader",
		Short: "Automated grading of scanned exam answer scripts",
	}
	root.AddCommand(studentCmd(), classCmd(), synthesizeCmd(), serveCmd(), exportCmd())
	return root
}

func commonFlags(f *pflag.FlagSet) {
	f.String("db", "scriptgrader.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func examFlags(f *pflag.FlagSet) {
	f.String("course", "", "Course name (required)")
	f.String("subject_code", "", "Subject code (required)")
	f.String("subject", "", "Subject display name")
	f.String("exam_type", "", "Exam type, e.g. mid or end (required)")
	f.Int("year", 0, "Exam year (required)")
	f.Int("semester", 0, "Semester number (required)")
	f.String("section", "", "Class section (required)")
}

func llmFlags(f *pflag.FlagSet) {
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for default)")
	f.String("llm-key", "", "API key for the LLM endpoint (or SCRIPTGRADER_LLM_KEY)")
	f.String("llm-model", "llama-3.3-70b-versatile", "Chat model for reference synthesis")
	f.String("vision-model", "llama-3.2-90b-vision-preview", "Vision model for page transcription")
	f.String("embed-model", "", "Embedding model (empty for default)")
	f.String("cache-dir", ".scriptgrader-cache", "Corpus index cache directory")
	f.Int("rate-calls", 30, "Max model calls per rate window")
	f.Duration("rate-window", 60*time.Second, "Rate limit window")
}

func studentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student [page images...]",
		Short: "Import and score one student's answer script",
		RunE:  runStudent,
	}
	f := cmd.Flags()
	commonFlags(f)
	examFlags(f)
	llmFlags(f)
	f.String("roll", "", "Score an already imported script instead of uploading pages")
	f.String("expected-roll", "", "Abort the import if the cover page's roll differs")
	return cmd
}

func classCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "class [combined scan pages...]",
		Short: "Grade the whole class and build the marks matrix",
		RunE:  runClass,
	}
	f := cmd.Flags()
	commonFlags(f)
	examFlags(f)
	llmFlags(f)
	f.String("csv", "", "Also write the matrix as CSV to this path")
	return cmd
}

func synthesizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Generate reference answers for an exam's question set",
		RunE:  runSynthesize,
	}
	f := cmd.Flags()
	commonFlags(f)
	examFlags(f)
	llmFlags(f)
	f.StringP("questions", "q", "", "Path to questions JSON file (required)")
	f.StringP("material", "m", "", "Path to course material text file")
	_ = cmd.MarkFlagRequired("questions")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP processing server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	commonFlags(f)
	llmFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored results as CSV",
		RunE:  runExport,
	}
	f := cmd.Flags()
	commonFlags(f)
	examFlags(f)
	f.String("roll", "", "Export one student's marksheet instead of the class matrix")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
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

	v.SetEnvPrefix("SCRIPTGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("scriptgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/scriptgrader")
	v.AddConfigPath("/etc/scriptgrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func examKeyFromViper(v *viper.Viper) (model.ExamKey, error) {
	key := model.ExamKey{
		Course:      v.GetString("course"),
		SubjectCode: v.GetString("subject_code"),
		Subject:     v.GetString("subject"),
		ExamType:    v.GetString("exam_type"),
		Year:        v.GetInt("year"),
		Semester:    v.GetInt("semester"),
		Section:     v.GetString("section"),
	}
	switch {
	case key.Course == "":
		return key, fmt.Errorf("--course is required")
	case key.SubjectCode == "":
		return key, fmt.Errorf("--subject_code is required")
	case key.ExamType == "":
		return key, fmt.Errorf("--exam_type is required")
	case key.Year == 0:
		return key, fmt.Errorf("--year is required")
	case key.Semester == 0:
		return key, fmt.Errorf("--semester is required")
	case key.Section == "":
		return key, fmt.Errorf("--section is required")
	}
	return key, nil
}

func buildPipeline(v *viper.Viper, db *store.Store) *pipeline.Pipeline {
	apiKey := v.GetString("llm-key")
	baseURL := v.GetString("llm-url")

	limiter := ratelimit.New(v.GetInt("rate-calls"), v.GetDuration("rate-window"))
	vision := llm.NewClient(apiKey, baseURL, v.GetString("vision-model"))
	extractor := extract.NewService(vision, limiter)

	embedder := embedding.New(apiKey, baseURL, v.GetString("embed-model"))
	builder := corpus.NewBuilder(embedder, v.GetString("cache-dir"), corpus.DefaultParams(), slog.Default())
	chat := llm.NewClient(apiKey, baseURL, v.GetString("llm-model"))
	synth := refsynth.New(llm.Limited{Completer: chat, Limiter: limiter}, embedder, slog.Default())

	return pipeline.New(db, extractor, builder, synth, score.New(embedder), slog.Default())
}

// emit writes the run's status payload to stdout. Logs go to stderr,
// so stdout stays machine-readable.
func emit(payload model.StatusPayload) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func emitError(op string, err error) error {
	_ = emit(model.StatusPayload{
		Status:  model.StatusError,
		Message: fmt.Sprintf("%s: %v", op, err),
	})
	return err
}

func loadPages(paths []string) ([]pipeline.Page, error) {
	pages := make([]pipeline.Page, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", path, err)
		}
		pages = append(pages, pipeline.Page{Image: data, MIME: http.DetectContentType(data)})
	}
	return pages, nil
}

func runStudent(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key, err := examKeyFromViper(v)
	if err != nil {
		return err
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pipe := buildPipeline(v, db)
	ctx := cmd.Context()

	roll := v.GetString("roll")
	if roll == "" {
		if len(args) == 0 {
			return fmt.Errorf("provide page images or --roll")
		}
		pages, err := loadPages(args)
		if err != nil {
			return emitError("load pages", err)
		}
		roll, err = pipe.ImportScript(ctx, key, pages, v.GetString("expected-roll"))
		if err != nil {
			return emitError("import script", err)
		}
		slog.Info("script imported", "roll", roll, "pages", len(pages))
	}

	report, err := pipe.ProcessStudent(ctx, key, roll)
	if err != nil {
		return emitError("process student", err)
	}
	return emit(model.StatusPayload{
		Status:  model.StatusSuccess,
		Message: fmt.Sprintf("scored %d answers for %s", len(report.Rows), roll),
		Data:    report,
	})
}

func runClass(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key, err := examKeyFromViper(v)
	if err != nil {
		return err
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pipe := buildPipeline(v, db)
	ctx := cmd.Context()

	if len(args) > 0 {
		pages, err := loadPages(args)
		if err != nil {
			return emitError("load pages", err)
		}
		rolls, err := pipe.SplitCombined(ctx, key, pages)
		if err != nil {
			return emitError("split combined scan", err)
		}
		slog.Info("combined scan imported", "students", len(rolls))
	}

	matrix, err := pipe.GradeClass(ctx, key)
	if err != nil {
		return emitError("grade class", err)
	}

	if path := v.GetString("csv"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return emitError("create csv", err)
		}
		err = aggregate.WriteMatrixCSV(f, matrix)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return emitError("write csv", err)
		}
		slog.Info("matrix written", "path", path)
	}

	return emit(model.StatusPayload{
		Status:  model.StatusSuccess,
		Message: fmt.Sprintf("graded %d students", len(matrix.Rows)),
		Data:    matrix,
	})
}

func runSynthesize(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key, err := examKeyFromViper(v)
	if err != nil {
		return err
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pipe := buildPipeline(v, db)

	data, err := os.ReadFile(v.GetString("questions"))
	if err != nil {
		return emitError("read questions", err)
	}
	var questions []model.QuestionRecord
	if err := json.Unmarshal(data, &questions); err != nil {
		return emitError("parse questions", err)
	}
	for i := range questions {
		questions[i].QuestionID = model.NormalizeQuestionID(questions[i].QuestionID)
	}

	var material string
	if path := v.GetString("material"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return emitError("read material", err)
		}
		material = string(raw)
	}

	if err := pipe.SynthesizeReferences(cmd.Context(), key, questions, material); err != nil {
		return emitError("synthesize references", err)
	}
	return emit(model.StatusPayload{
		Status:  model.StatusSuccess,
		Message: fmt.Sprintf("references ready for %d questions", len(questions)),
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pipe := buildPipeline(v, db)

	h := handler.New(pipe, slog.Default())
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server", "addr", addr, "model", v.GetString("llm-model"))
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key, err := examKeyFromViper(v)
	if err != nil {
		return err
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	questions, err := db.GetQuestionSet(key)
	if err != nil {
		return fmt.Errorf("load question set: %w", err)
	}

	out := os.Stdout
	if path := v.GetString("output"); path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	if roll := v.GetString("roll"); roll != "" {
		rows, err := db.ResultsFor(key, roll)
		if err != nil {
			return fmt.Errorf("load results for %s: %w", roll, err)
		}
		return aggregate.WriteReportCSV(out, aggregate.BuildReport(roll, rows, questions))
	}

	all, err := db.ListResults(key)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	byRoll := make(map[string][]model.ScoreRow)
	var order []string
	for _, row := range all {
		if _, ok := byRoll[row.RollNo]; !ok {
			order = append(order, row.RollNo)
		}
		byRoll[row.RollNo] = append(byRoll[row.RollNo], row)
	}
	var reports []model.StudentReport
	for _, roll := range order {
		reports = append(reports, aggregate.BuildReport(roll, byRoll[roll], questions))
	}
	return aggregate.WriteMatrixCSV(out, aggregate.BuildMatrix(reports, nil, questions))
}
