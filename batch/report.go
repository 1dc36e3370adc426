package batch

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRecovered
	outcomeFailed
	outcomeSkipped
)

// Result 单张图片的处理结果
type Result struct {
	Input    string
	Output   string
	Attempts int
	// FirstErr 第一次失败的原因，重试成功时用于汇总
	FirstErr error
	Err      error
	Duration time.Duration
}

// Report 一次批处理的汇总
type Report struct {
	RunID     string
	Succeeded []*Result
	// Recovered 重试后成功
	Recovered []*Result
	Failed    []*Result
	// Skipped journal 中已完成
	Skipped []*Result

	mu       sync.Mutex
	started  time.Time
	finished time.Time
}

func newReport(runID string) *Report {
	return &Report{RunID: runID, started: time.Now()}
}

func (r *Report) add(res *Result, o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch o {
	case outcomeSucceeded:
		r.Succeeded = append(r.Succeeded, res)
	case outcomeRecovered:
		r.Recovered = append(r.Recovered, res)
	case outcomeFailed:
		r.Failed = append(r.Failed, res)
	case outcomeSkipped:
		r.Skipped = append(r.Skipped, res)
	}
}

// finish 按输入路径排序，输出稳定
func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, list := range [][]*Result{r.Succeeded, r.Recovered, r.Failed, r.Skipped} {
		sort.Slice(list, func(i, j int) bool { return list[i].Input < list[j].Input })
	}
	r.finished = time.Now()
}

func (r *Report) Elapsed() time.Duration {
	if r.finished.IsZero() {
		return time.Since(r.started)
	}
	return r.finished.Sub(r.started)
}

func (r *Report) Total() int {
	return len(r.Succeeded) + len(r.Recovered) + len(r.Failed) + len(r.Skipped)
}

// OK 没有失败项
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// Summary 打印汇总，重试成功和失败的项逐条列出
func (r *Report) Summary(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Run %s: %d images, %d succeeded, %d recovered, %d failed, %d skipped (%s)\n",
		r.RunID, r.Total(), len(r.Succeeded), len(r.Recovered), len(r.Failed), len(r.Skipped),
		r.Elapsed().Round(time.Millisecond))

	if len(r.Recovered) > 0 {
		_, _ = fmt.Fprintln(w, "Recovered after retry:")
		for _, res := range r.Recovered {
			_, _ = fmt.Fprintf(w, "  %s (attempts: %d, first error: %v)\n", filepath.Base(res.Input), res.Attempts, res.FirstErr)
		}
	}
	if len(r.Failed) > 0 {
		_, _ = fmt.Fprintln(w, "Failed:")
		for _, res := range r.Failed {
			_, _ = fmt.Fprintf(w, "  %s (attempts: %d): %v\n", filepath.Base(res.Input), res.Attempts, res.Err)
		}
	}
}
