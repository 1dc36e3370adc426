// Package batch 批量去背景：扫描输入目录，限制并发，失败重试，
// 可选 sqlite 记录（跳过已完成）和 cron 定时重复扫描。
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/nobg/journal"
	"github.com/chaos-io/nobg/pipeline"
)

// Processor 单张图片的处理，*pipeline.Pipeline 实现了它
type Processor interface {
	Process(ctx context.Context, input, output string) error
}

type Options struct {
	InputDir    string
	OutputDir   string
	Concurrency int
	Retries     int
	RetryDelay  time.Duration
	ItemTimeout time.Duration
}

type Runner struct {
	processor Processor
	opts      Options
	journal   *journal.Journal
	logger    *slog.Logger
}

// NewRunner j 可以为 nil，此时不记录也不跳过
func NewRunner(processor Processor, opts Options, j *journal.Journal, logger *slog.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		processor: processor,
		opts:      opts,
		journal:   j,
		logger:    logger,
	}
}

type item struct {
	input  string
	output string
}

var inputExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Run 处理一遍输入目录。单张失败不会中断整批，只有 ctx 取消或目录不可用才返回 error。
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := newReport(ksuid.New().String())
	log := r.logger.With("run_id", report.RunID)

	items, err := r.plan()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.opts.OutputDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	log.Info("batch started", "items", len(items), "concurrency", r.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.processItem(gctx, report, it)
			return nil
		})
	}
	_ = g.Wait()

	report.finish()
	log.Info("batch finished",
		"succeeded", len(report.Succeeded), "recovered", len(report.Recovered),
		"failed", len(report.Failed), "skipped", len(report.Skipped), "elapsed", report.Elapsed())

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) processItem(ctx context.Context, report *Report, it item) {
	log := r.logger.With("input", filepath.Base(it.input))
	start := time.Now()

	var key string
	if r.journal != nil {
		k, err := journal.Key(it.input, it.output)
		if err != nil {
			report.add(&Result{Input: it.input, Output: it.output, Err: err}, outcomeFailed)
			return
		}
		key = k
		done, err := r.journal.Done(ctx, key)
		if err != nil {
			log.Warn("journal lookup failed", "error", err)
		}
		if done {
			log.Info("already processed, skipping")
			report.add(&Result{Input: it.input, Output: it.output}, outcomeSkipped)
			return
		}
	}

	res := &Result{Input: it.input, Output: it.output}
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		res.Attempts = attempt
		log.Info("starting background removal", "attempt", attempt, "of", r.opts.Retries)

		err := r.attempt(ctx, it)
		if err == nil {
			res.Err = nil
			break
		}
		if res.FirstErr == nil {
			res.FirstErr = err
		}
		res.Err = err
		log.Warn("attempt failed", "attempt", attempt, "error", err)

		// 读不了的输入重试也没用
		if !retryable(err) || attempt == r.opts.Retries || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.opts.RetryDelay):
		}
	}
	res.Duration = time.Since(start)

	outcome := outcomeSucceeded
	switch {
	case res.Err != nil:
		outcome = outcomeFailed
	case res.Attempts > 1:
		outcome = outcomeRecovered
	}
	report.add(res, outcome)

	if r.journal != nil {
		entry := journal.Entry{
			RunID:    report.RunID,
			Key:      key,
			Input:    it.input,
			Output:   it.output,
			Status:   journal.StatusDone,
			Attempts: res.Attempts,
			Duration: res.Duration,
		}
		if res.Err != nil {
			entry.Status = journal.StatusFailed
			entry.Error = res.Err.Error()
		}
		// ctx 可能已取消，记录仍然要写
		if err := r.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
			log.Warn("journal record failed", "error", err)
		}
	}
}

func (r *Runner) attempt(ctx context.Context, it item) error {
	if r.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ItemTimeout)
		defer cancel()
	}
	return r.processor.Process(ctx, it.input, it.output)
}

func retryable(err error) bool {
	switch pipeline.KindOf(err) {
	case pipeline.KindIO:
		return false
	default:
		return !errors.Is(err, context.Canceled)
	}
}

// plan 列出输入目录中的图片，确定输出文件名（统一为 png，重名追加序号）
func (r *Runner) plan() ([]item, error) {
	entries, err := os.ReadDir(r.opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !inputExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	taken := make(map[string]bool, len(names))
	items := make([]item, 0, len(names))
	for _, name := range names {
		base := sanitizeName(strings.TrimSuffix(name, filepath.Ext(name)))
		if base == "" {
			base = "image"
		}
		// a.jpg、a.png、a_2.png 依次得到 a、a_2、a_2_2
		candidate := base
		for n := 2; taken[candidate]; n++ {
			candidate = base + "_" + strconv.Itoa(n)
		}
		taken[candidate] = true
		base = candidate
		items = append(items, item{
			input:  filepath.Join(r.opts.InputDir, name),
			output: filepath.Join(r.opts.OutputDir, base+".png"),
		})
	}
	return items, nil
}

var unsafeChars = regexp.MustCompile(`[()/\\]`)

// sanitizeName 小写，去掉括号和斜杠，去掉结尾的下划线
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimRight(name, "_")
	return strings.TrimSpace(name)
}

// Schedule 立即跑一遍，之后按 cron 表达式重复，直到 ctx 取消。
// 上一轮还没结束时跳过本轮。
func (r *Runner) Schedule(ctx context.Context, spec string, onReport func(*Report)) error {
	runOnce := func() {
		report, err := r.Run(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("scheduled batch failed", "error", err)
			return
		}
		if report != nil && onReport != nil {
			onReport(report)
		}
	}

	logger := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, runOnce); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	runOnce()
	c.Start()
	r.logger.Info("batch schedule started", "schedule", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger 把 cron 的日志接到 slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
