package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/drop-order/internal/builder"
	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/internal/scope"
	"github.com/ChuLiYu/drop-order/internal/worker"
	"github.com/ChuLiYu/drop-order/pkg/types"
)

// MaxStressWorkers 每輪最多的 worker 數。
// tag 0 無法與空 log 區分，可用 tag 只有 1..15，每個 worker 需要 builder.Size 個。
const MaxStressWorkers = 15 / builder.Size

// stressAbortIndex 會中止的 worker 在此索引中止
const stressAbortIndex = 2

var (
	// ErrInvalidStress 表示 stress 參數不合法
	ErrInvalidStress = errors.New("invalid stress configuration")
	// ErrLostUpdate drop log 的位數少於實際釋放數
	ErrLostUpdate = errors.New("drop log lost an update")
	// ErrDuplicateDrop 同一個 tag 出現超過一次，或出現未建構的 tag
	ErrDuplicateDrop = errors.New("drop log holds an unexpected tag")
	// ErrOrderViolation 單一 worker 內的釋放順序錯誤
	ErrOrderViolation = errors.New("per-worker drop order violated")
	// ErrOutcomeMismatch worker 結果與是否中止不符
	ErrOutcomeMismatch = errors.New("worker outcome does not match abort")
)

// StressConfig 並發 stress 參數
type StressConfig struct {
	Workers int    `yaml:"workers"` // 每輪並發 worker 數，1..MaxStressWorkers
	Rounds  int    `yaml:"rounds"`  // 執行輪數
	Abort   bool   `yaml:"abort"`   // 奇數 worker 在 stressAbortIndex 中止
	Policy  string `yaml:"policy"`  // teardown policy 名稱
}

// StressReport stress 統計
type StressReport struct {
	Rounds    int    `json:"rounds"`
	Workers   int    `json:"workers"`
	Drops     uint64 `json:"drops"`
	Retries   uint64 `json:"retries"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

func (c StressConfig) validate() error {
	if c.Workers < 1 || c.Workers > MaxStressWorkers {
		return fmt.Errorf("%w: workers must be in [1, %d], got %d", ErrInvalidStress, MaxStressWorkers, c.Workers)
	}
	if c.Rounds < 1 {
		return fmt.Errorf("%w: rounds must be positive, got %d", ErrInvalidStress, c.Rounds)
	}
	return nil
}

// stressArray 第 w 個 worker 的陣列定義；tag 區間互不重疊
func stressArray(w int, abort bool) []StepSpec {
	steps := make([]StepSpec, builder.Size)
	for i := range steps {
		steps[i] = Tag(types.Tag(w*builder.Size + i + 1))
	}
	if abort && w%2 == 1 {
		steps[stressAbortIndex] = Die()
	}
	return steps
}

// Stress 在 Pool 上讓多個 worker 同時寫入同一個 drop log，
// 每輪檢查：位數等於釋放數、每個已建構 tag 恰好出現一次、單一 worker 內順序正確。
func Stress(ctx context.Context, cfg StressConfig, dl *droplog.Log, opts ...Option) (*StressReport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	policy, err := scope.Lookup(Definition{Policy: cfg.Policy}.policyName())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStress, err)
	}
	o := buildRunOptions(opts)

	pool := worker.NewPool(cfg.Workers, o.workerOptions...)
	if err := pool.Start(cfg.Workers); err != nil {
		return nil, err
	}
	defer pool.Stop()

	report := &StressReport{Rounds: cfg.Rounds, Workers: cfg.Workers}
	for round := 0; round < cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := stressRound(pool, cfg, policy, dl, o, report); err != nil {
			return report, fmt.Errorf("round %d: %w", round, err)
		}
	}

	log.Info("stress finished",
		"rounds", report.Rounds,
		"workers", report.Workers,
		"drops", report.Drops,
		"cas_retries", report.Retries)
	return report, nil
}

func stressRound(pool *worker.Pool, cfg StressConfig, policy scope.Policy, dl *droplog.Log, o runOptions, report *StressReport) error {
	dl.Reset()

	defs := make([][]StepSpec, cfg.Workers)
	expectFailed := make(map[types.RunID]bool, cfg.Workers)
	for w := range defs {
		defs[w] = stressArray(w, cfg.Abort)

		var steps [builder.Size]element.Step
		for i, s := range defs[w] {
			steps[i] = s.step(dl, func() {})
		}

		id := types.NewRunID()
		expectFailed[id] = cfg.Abort && w%2 == 1
		task := worker.Task{
			ID: id,
			Work: func(context.Context) error {
				scope.Run(policy, func(s *scope.Scope) {
					s.Build(steps)
				}, o.scopeOptions()...)
				return nil
			},
		}
		if err := pool.Submit(task); err != nil {
			return err
		}
	}

	for range defs {
		res, err := pool.ReceiveResult()
		if err != nil {
			return err
		}
		o.recordWorker(res)
		if res.Failed() != expectFailed[res.ID] {
			return fmt.Errorf("%w: run %s outcome %s", ErrOutcomeMismatch, res.ID, res.Outcome)
		}
		if res.Failed() {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}

	value := dl.Load()
	report.Drops += dl.Events()
	report.Retries += dl.Retries()
	return checkStressLog(value, defs, policy)
}

func checkStressLog(value uint64, defs [][]StepSpec, policy scope.Policy) error {
	// 每個 worker 各自的預期釋放順序
	want := make([][]types.Tag, len(defs))
	owner := make(map[types.Tag]int)
	constructed := 0
	for w, steps := range defs {
		want[w] = Predict(Definition{Arrays: [][]StepSpec{steps}}, policy)
		for _, t := range want[w] {
			owner[t] = w
		}
		constructed += len(want[w])
	}

	got := droplog.Digits(value)
	if len(got) != constructed {
		return fmt.Errorf("%w: %d digits for %d drops (log %s)", ErrLostUpdate, len(got), constructed, droplog.Format(value))
	}

	seen := make(map[types.Tag]bool, len(got))
	next := make([]int, len(defs))
	for _, t := range got {
		w, ok := owner[t]
		if !ok || seen[t] {
			return fmt.Errorf("%w: tag %d (log %s)", ErrDuplicateDrop, t, droplog.Format(value))
		}
		seen[t] = true
		if want[w][next[w]] != t {
			return fmt.Errorf("%w: worker %d dropped %d, want %d (log %s)",
				ErrOrderViolation, w, t, want[w][next[w]], droplog.Format(value))
		}
		next[w]++
	}
	return nil
}
