package scenario

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/drop-order/internal/builder"
	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/internal/scope"
	"github.com/ChuLiYu/drop-order/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidDefinition 表示情境定義不合法
	ErrInvalidDefinition = errors.New("invalid scenario definition")
)

// StepKind 元素 Step 的種類
type StepKind string

const (
	StepMake StepKind = "make" // 產生帶 tag 的值
	StepDie  StepKind = "die"  // panic 中止
	StepFail StepKind = "fail" // 回傳錯誤中止
)

// 會被建構的元素 tag 範圍，每個 tag 佔 drop log 一個 nibble
const (
	minTag types.Tag = 1
	maxTag types.Tag = 0xF
)

// StepSpec 單一元素的定義。YAML 中可寫成整數 tag，或 "die" / "fail"。
type StepSpec struct {
	Kind StepKind
	Tag  types.Tag
}

// Tag 建立一般元素
func Tag(t types.Tag) StepSpec { return StepSpec{Kind: StepMake, Tag: t} }

// Die 建立 panic 中止的元素
func Die() StepSpec { return StepSpec{Kind: StepDie} }

// Fail 建立回傳錯誤中止的元素
func Fail() StepSpec { return StepSpec{Kind: StepFail} }

// Aborts 此 Step 是否會中止
func (s StepSpec) Aborts() bool {
	return s.Kind == StepDie || s.Kind == StepFail
}

func (s StepSpec) String() string {
	if s.Kind == StepMake {
		return strconv.Itoa(int(s.Tag))
	}
	return string(s.Kind)
}

// UnmarshalYAML 解析整數 tag 或 "die" / "fail"
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: step must be a scalar", node.Line)
	}
	switch strings.ToLower(node.Value) {
	case string(StepDie):
		*s = Die()
		return nil
	case string(StepFail):
		*s = Fail()
		return nil
	}
	n, err := strconv.ParseUint(node.Value, 0, 8)
	if err != nil {
		return fmt.Errorf("line %d: step %q: %w", node.Line, node.Value, err)
	}
	*s = Tag(types.Tag(n))
	return nil
}

// MarshalYAML 與 UnmarshalYAML 對稱
func (s StepSpec) MarshalYAML() (any, error) {
	if s.Kind == StepMake {
		return int(s.Tag), nil
	}
	return string(s.Kind), nil
}

// step 將定義轉為 builder 使用的 Step；onMake 在每個元素成功建構後呼叫
func (s StepSpec) step(log *droplog.Log, onMake func()) element.Step {
	switch s.Kind {
	case StepDie:
		return element.Die()
	case StepFail:
		return element.Fail(element.ErrAborted)
	default:
		mk := element.Make(log, s.Tag)
		return func() (*element.Value, error) {
			v, err := mk()
			if err == nil {
				onMake()
			}
			return v, err
		}
	}
}

// Definition 一個情境：在同一個 scope 中依序建構多個陣列
type Definition struct {
	Name   string       `yaml:"name"`
	Policy string       `yaml:"policy"`
	Arrays [][]StepSpec `yaml:"arrays"`
	// Expect 預期的 drop log，例如 "0xA9_5678_1234"；空字串時使用 Predict
	Expect string `yaml:"expect,omitempty"`
}

// Reference 參考情境：第三個陣列的第三個元素中止
func Reference() Definition {
	return Definition{
		Name:   "box-of-array-of-drop",
		Policy: scope.Host.Name,
		Arrays: [][]StepSpec{
			{Tag(1), Tag(2), Tag(3), Tag(4)},
			{Tag(5), Tag(6), Tag(7), Tag(8)},
			{Tag(9), Tag(10), Die(), Tag(12)},
			{Tag(13), Tag(14), Tag(15), Tag(16)},
		},
		Expect: "0xA9_5678_1234",
	}
}

// ReferenceExpect 參考情境在 Host policy 下的 drop log
const ReferenceExpect uint64 = 0xA9_5678_1234

// Validate 檢查定義
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Arrays) == 0 {
		return fmt.Errorf("%w: %s: no arrays", ErrInvalidDefinition, d.Name)
	}
	for i, arr := range d.Arrays {
		if len(arr) != builder.Size {
			return fmt.Errorf("%w: %s: array %d has %d elements, want %d",
				ErrInvalidDefinition, d.Name, i, len(arr), builder.Size)
		}
	}
	if err := d.checkTags(); err != nil {
		return err
	}
	if _, err := scope.Lookup(d.policyName()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.Name, err)
	}
	if d.Expect != "" {
		if _, err := ParseLog(d.Expect); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.Name, err)
		}
	}
	return nil
}

// checkTags 會被建構的元素 tag 必須落在單一 nibble (1..15)；
// 第一個中止之後的元素從未建構，不檢查
func (d Definition) checkTags() error {
	for i, arr := range d.Arrays {
		for j, s := range arr {
			if s.Aborts() {
				return nil
			}
			if s.Tag < minTag || s.Tag > maxTag {
				return fmt.Errorf("%w: %s: array %d element %d: tag %d outside %d..%d",
					ErrInvalidDefinition, d.Name, i, j, s.Tag, minTag, maxTag)
			}
		}
	}
	return nil
}

func (d Definition) policyName() string {
	if d.Policy == "" {
		return scope.Host.Name
	}
	return d.Policy
}

// TeardownPolicy 回傳情境使用的 policy；未指定時為 Host
func (d Definition) TeardownPolicy() (scope.Policy, error) {
	return scope.Lookup(d.policyName())
}

// Aborts 是否有任何元素會中止
func (d Definition) Aborts() bool {
	_, _, ok := d.firstAbort()
	return ok
}

// ExpectedOutcome worker 應回報的結果
func (d Definition) ExpectedOutcome() types.Outcome {
	if d.Aborts() {
		return types.OutcomeFailed
	}
	return types.OutcomeSucceeded
}

// ExpectedLog 回傳 Expect；未指定時依 policy 推算
func (d Definition) ExpectedLog() (uint64, error) {
	if d.Expect != "" {
		return ParseLog(d.Expect)
	}
	policy, err := d.TeardownPolicy()
	if err != nil {
		return 0, err
	}
	return droplog.Encode(Predict(d, policy)...), nil
}

func (d Definition) firstAbort() (array, index int, ok bool) {
	for i, arr := range d.Arrays {
		for j, s := range arr {
			if s.Aborts() {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// Predict 依 policy 推算釋放順序（最早者在前）
func Predict(d Definition, policy scope.Policy) []types.Tag {
	tagsOf := func(steps []StepSpec) []types.Tag {
		out := make([]types.Tag, 0, len(steps))
		for _, s := range steps {
			out = append(out, s.Tag)
		}
		return out
	}

	bound := d.Arrays
	var partial []types.Tag
	if i, j, ok := d.firstAbort(); ok {
		bound = d.Arrays[:i]
		partial = tagsOf(d.Arrays[i][:j])
		if policy.PartialOrder == types.Descending {
			for l, r := 0, len(partial)-1; l < r; l, r = l+1, r-1 {
				partial[l], partial[r] = partial[r], partial[l]
			}
		}
	}

	var siblings []types.Tag
	for i := len(bound) - 1; i >= 0; i-- {
		siblings = append(siblings, tagsOf(bound[i])...)
	}

	if policy.PartialFirst {
		return append(partial, siblings...)
	}
	return append(siblings, partial...)
}

// ParseLog 解析 "0xA9_5678_1234" 形式的 drop log 值
func ParseLog(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse drop log %q: %w", s, err)
	}
	return v, nil
}
