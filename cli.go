package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chaos-io/nobg/batch"
	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/journal"
	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/rembg"
	"github.com/chaos-io/nobg/server"
	"github.com/chaos-io/nobg/util/crawler"
)

// usageError 参数错误，只打印用法
type usageError struct {
	usage string
	err   error
}

func (e *usageError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.usage
}

var errBatchFailed = errors.New("some images failed")

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	newRemover func(cfg config.Remover) (rembg.Remover, error)

	configPath string
	size       int
	timeout    time.Duration
	backend    string
	keepAlpha  bool
	logLevel   string
	logFormat  string
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, newRemover: rembg.FromConfig}
	return a.run(args)
}

func (a *app) run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := a.rootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		a.printError(err)
		return 1
	}
	return 0
}

// printError IO 和推理错误带调用栈，用法错误和超时只打印消息
func (a *app) printError(err error) {
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		if ue.err != nil {
			_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", ue.err)
		}
		_, _ = fmt.Fprintln(a.stderr, ue.usage)
	case pipeline.HasTrace(err):
		_, _ = fmt.Fprintf(a.stderr, "Error: %+v\n", err)
	default:
		_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{usage: usage}
		}
		return nil
	}
}

func (a *app) rootCommand() *cobra.Command {
	const usage = "Usage: nobg <input_path> <output_path>"

	root := &cobra.Command{
		Use:   "nobg [flags] <input_path> <output_path>",
		Short: "Remove the background of an image",
		Long: `nobg resizes an image to 256x256, removes its background with a
U2-Net model (or a remote BiRefNet workflow, or an external command)
and writes the result with transparency.

Put -- before the paths when the input is named like a subcommand
(batch, serve, fetch, help, completion):

  nobg --size 128 -- batch out.png`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          exactArgs(2, usage),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.removeOne(cmd, args[0], args[1])
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{usage: "Usage: " + cmd.UseLine(), err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "yaml config file")
	pf.IntVar(&a.size, "size", pipeline.DefaultSize, "resize input to size x size before inference, 0 keeps the original size")
	pf.DurationVar(&a.timeout, "timeout", pipeline.DefaultTimeout, "inference timeout, 0 disables it")
	pf.StringVar(&a.backend, "backend", config.BackendONNX, "remover backend: passthrough, onnx, comfyui or command")
	pf.BoolVar(&a.keepAlpha, "keep-alpha", false, "skip inference when the input already has transparency")
	pf.StringVar(&a.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&a.logFormat, "log-format", "text", "text or json")

	root.AddCommand(a.batchCommand(), a.serveCommand(), a.fetchCommand())
	return root
}

// loadConfig 配置文件和环境变量之上再叠加显式指定的命令行参数
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("size") {
		cfg.Pipeline.Size = a.size
	}
	if flags.Changed("timeout") {
		cfg.Pipeline.Timeout = a.timeout
	}
	if flags.Changed("backend") {
		cfg.Remover.Backend = a.backend
	}
	if flags.Changed("keep-alpha") {
		cfg.Pipeline.KeepAlpha = a.keepAlpha
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Log, a.stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newRemoverFor 初始化失败也算推理错误
func (a *app) newRemoverFor(cfg *config.Config) (rembg.Remover, error) {
	r, err := a.newRemover(cfg.Remover)
	if err != nil {
		return nil, &pipeline.Error{Kind: pipeline.KindInference, Op: "initialize " + cfg.Remover.Backend + " remover", Err: errors.WithStack(err)}
	}
	return r, nil
}

// closeRemover 超时后推理可能还在跑，此时不能释放会话
func closeRemover(r rembg.Remover, err error) {
	if pipeline.KindOf(err) == pipeline.KindTimeout {
		return
	}
	if cerr := rembg.Close(r); cerr != nil {
		slog.Warn("close remover", "error", cerr)
	}
}

func (a *app) removeOne(cmd *cobra.Command, input, output string) (err error) {
	cfg, logger, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	remover, err := a.newRemoverFor(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeRemover(remover, err)
	}()

	p := pipeline.FromConfig(remover, cfg.Pipeline, logger)
	if err := p.Process(cmd.Context(), input, output); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.stdout, "Success")
	return nil
}

func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

func (a *app) batchCommand() *cobra.Command {
	const usage = "Usage: nobg batch [flags] <input_dir> <output_dir>"

	var (
		concurrency int
		retries     int
		retryDelay  time.Duration
		itemTimeout time.Duration
		avatarSize  int
		journalPath string
		schedule    string
	)

	cmd := &cobra.Command{
		Use:   "batch [flags] <input_dir> <output_dir>",
		Short: "Remove backgrounds of every image in a directory",
		Args:  exactArgs(2, usage),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("concurrency") {
				cfg.Batch.Concurrency = concurrency
			}
			if flags.Changed("retries") {
				cfg.Batch.Retries = retries
			}
			if flags.Changed("retry-delay") {
				cfg.Batch.RetryDelay = retryDelay
			}
			if flags.Changed("item-timeout") {
				cfg.Batch.ItemTimeout = itemTimeout
			}
			if flags.Changed("avatar-size") {
				cfg.Batch.AvatarSize = avatarSize
			}
			if flags.Changed("journal") {
				cfg.Batch.Journal = journalPath
			}
			if flags.Changed("schedule") {
				cfg.Batch.Schedule = schedule
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			remover, err := a.newRemoverFor(cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeRemover(remover, err)
			}()

			opts := []pipeline.Option{
				pipeline.WithSize(cfg.Pipeline.Size),
				pipeline.WithTimeout(cfg.Pipeline.Timeout),
				pipeline.WithKeepAlpha(cfg.Pipeline.KeepAlpha),
				pipeline.WithLogger(logger),
			}
			if n := cfg.Batch.AvatarSize; n > 0 {
				opts = append(opts, pipeline.WithPostProcess(func(img image.Image) image.Image {
					return pipeline.Avatar(img, n)
				}))
			}
			p := pipeline.NewPipeline(remover, opts...)

			var j *journal.Journal
			if cfg.Batch.Journal != "" {
				if j, err = journal.Open(cfg.Batch.Journal); err != nil {
					return err
				}
				defer func() {
					_ = j.Close()
				}()
			}

			runner := batch.NewRunner(p, batch.Options{
				InputDir:    args[0],
				OutputDir:   args[1],
				Concurrency: cfg.Batch.Concurrency,
				Retries:     cfg.Batch.Retries,
				RetryDelay:  cfg.Batch.RetryDelay,
				ItemTimeout: cfg.Batch.ItemTimeout,
			}, j, logger)

			if cfg.Batch.Schedule != "" {
				return runner.Schedule(cmd.Context(), cfg.Batch.Schedule, func(r *batch.Report) {
					r.Summary(a.stdout)
				})
			}

			report, err := runner.Run(cmd.Context())
			if report != nil {
				report.Summary(a.stdout)
			}
			if err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d images: %w", len(report.Failed), report.Total(), errBatchFailed)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&concurrency, "concurrency", 2, "images processed at the same time")
	f.IntVar(&retries, "retries", 3, "attempts per image")
	f.DurationVar(&retryDelay, "retry-delay", 2*time.Second, "delay between attempts")
	f.DurationVar(&itemTimeout, "item-timeout", 60*time.Second, "timeout per attempt, 0 disables it")
	f.IntVar(&avatarSize, "avatar-size", 0, "crop around the subject and fit into size x size, 0 disables it")
	f.StringVar(&journalPath, "journal", "", "sqlite file recording processed images")
	f.StringVar(&schedule, "schedule", "", "cron expression to repeat the sweep, e.g. \"@every 10m\"")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	const usage = "Usage: nobg serve [flags]"

	var addr string

	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve background removal over HTTP",
		Args:  exactArgs(0, usage),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}

			remover, err := a.newRemoverFor(cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeRemover(remover, err)
			}()

			var j *journal.Journal
			if cfg.Batch.Journal != "" {
				if j, err = journal.Open(cfg.Batch.Journal); err != nil {
					return err
				}
				defer func() {
					_ = j.Close()
				}()
			}

			gin.SetMode(gin.ReleaseMode)
			p := pipeline.FromConfig(remover, cfg.Pipeline, logger)
			return server.New(p, cfg.Server, j, logger).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func (a *app) fetchCommand() *cobra.Command {
	const usage = "Usage: nobg fetch (--page <url> | --manifest <file>) <output_dir>"

	var (
		page        string
		match       string
		manifest    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "fetch [flags] <output_dir>",
		Short: "Download images from a web page or a json manifest for batch processing",
		Args:  exactArgs(1, usage),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (page == "") == (manifest == "") {
				return &usageError{usage: usage, err: errors.New("exactly one of --page and --manifest is required")}
			}
			_, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			c := crawler.New(crawler.WithConcurrency(concurrency), crawler.WithLogger(logger))

			var sources []crawler.Source
			if manifest != "" {
				sources, err = crawler.LoadManifest(manifest)
			} else {
				var re *regexp.Regexp
				if match != "" {
					if re, err = regexp.Compile(match); err != nil {
						return &usageError{usage: usage, err: err}
					}
				}
				sources, err = c.PageImages(cmd.Context(), page, re)
			}
			if err != nil {
				return err
			}

			result, err := c.Download(cmd.Context(), sources, args[0])
			if result != nil {
				_, _ = fmt.Fprintf(a.stdout, "Downloaded %d of %d images\n", len(result.Saved), len(sources))
				if len(result.Failed) > 0 {
					_, _ = fmt.Fprintln(a.stdout, "Failed downloads:")
					for _, f := range result.Failed {
						_, _ = fmt.Fprintf(a.stdout, "  %s: %v\n", f.URL, f.Err)
					}
				}
			}
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d of %d downloads failed", len(result.Failed), len(sources))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&page, "page", "", "web page whose <img> elements are downloaded")
	f.StringVar(&match, "match", "", "only download images whose src matches this regexp")
	f.StringVar(&manifest, "manifest", "", "json list of {name, url} or user profiles with image_* fields")
	f.IntVar(&concurrency, "concurrency", 4, "parallel downloads")
	return cmd
}
