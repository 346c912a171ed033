package workflow

import (
	"fmt"
	"sort"
	"strings"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
)

// Status 是步骤在状态机中的位置。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Draft 是解析阶段给出的步骤草稿，序号由其在列表中的位置决定（从 1 开始）。
//
// Inputs 把参数名映射到引用路径，例如 {"to": "next_meeting.attendees"}；
// Output 非空时，步骤结果会额外以该名称写入会话引用。
type Draft struct {
	Intent     intent.Intent     `json:"intent"`
	DependsOn  []int             `json:"depends_on,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Output     string            `json:"output,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
}

// Step 是计划中的一个节点，由执行器推进状态。
type Step struct {
	Index     int
	Intent    intent.Intent
	DependsOn []int
	Inputs    map[string]string
	Output    string
	Status    Status
}

// Plan 是校验通过的有向无环图。
type Plan struct {
	Steps []*Step
	order []int
}

// Step 返回指定序号的步骤。
func (p *Plan) Step(index int) *Step {
	if index < 1 || index > len(p.Steps) {
		return nil
	}
	return p.Steps[index-1]
}

// Order 返回拓扑序（同层按序号升序）。
func (p *Plan) Order() []int {
	return append([]int(nil), p.order...)
}

// Dependents 返回直接或间接依赖 index 的全部步骤序号。
func (p *Plan) Dependents(index int) []int {
	seen := map[int]bool{index: true}
	var out []int
	for _, s := range p.Steps {
		if s.Index <= index {
			continue
		}
		for _, dep := range s.DependsOn {
			if seen[dep] {
				seen[s.Index] = true
				out = append(out, s.Index)
				break
			}
		}
	}
	return out
}

// Single 把单个 Intent 包装为只有一个步骤的计划。
func Single(in intent.Intent) *Plan {
	p, _ := Build([]Draft{{Intent: in}})
	return p
}

// Build 校验草稿并生成计划。环、引用不存在的步骤、自引用或引用后序步骤都会以
// PLAN_INVALID 拒绝，且不会产生任何可执行的步骤。
func Build(drafts []Draft) (*Plan, error) {
	if len(drafts) == 0 {
		return nil, planInvalid("workflow has no steps")
	}
	n := len(drafts)
	edges := make(map[int][]int, n)
	for i, d := range drafts {
		idx := i + 1
		seen := make(map[int]bool)
		for _, dep := range d.DependsOn {
			switch {
			case dep == idx:
				return nil, planInvalid(fmt.Sprintf("step %d depends on itself", idx))
			case dep < 1 || dep > n:
				return nil, planInvalid(fmt.Sprintf("step %d depends on unknown step %d", idx, dep))
			}
			if !seen[dep] {
				seen[dep] = true
				edges[idx] = append(edges[idx], dep)
			}
		}
	}

	order, err := topoSort(n, edges)
	if err != nil {
		return nil, err
	}
	for idx, deps := range edges {
		for _, dep := range deps {
			if dep > idx {
				return nil, planInvalid(fmt.Sprintf("step %d depends on later step %d", idx, dep))
			}
		}
	}

	plan := &Plan{order: order}
	for i, d := range drafts {
		deps := append([]int(nil), edges[i+1]...)
		sort.Ints(deps)
		inputs := make(map[string]string, len(d.Inputs))
		for k, v := range d.Inputs {
			inputs[k] = v
		}
		plan.Steps = append(plan.Steps, &Step{
			Index:     i + 1,
			Intent:    d.Intent.Clone(),
			DependsOn: deps,
			Inputs:    inputs,
			Output:    d.Output,
			Status:    StatusPending,
		})
	}
	return plan, nil
}

// topoSort 使用 Kahn 算法，就绪集合总是优先取最小序号；发现环时用 DFS 还原环路。
func topoSort(n int, edges map[int][]int) ([]int, error) {
	inDegree := make([]int, n+1)
	forward := make(map[int][]int)
	for node, deps := range edges {
		for _, dep := range deps {
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var ready []int
	for i := 1; i <= n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	var sorted []int
	for len(ready) > 0 {
		sort.Ints(ready)
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(sorted) == n {
		return sorted, nil
	}

	path := cyclePath(n, edges, inDegree)
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprint(p)
	}
	return nil, planInvalid("circular dependency detected: "+strings.Join(parts, " -> "),
		xerrors.WithMetadata("cycle", strings.Join(parts, ",")))
}

func cyclePath(n int, edges map[int][]int, inDegree []int) []int {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, n+1)
	parent := make([]int, n+1)
	var path []int

	var dfs func(node int) bool
	dfs = func(node int) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				path = []int{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}
	for i := 1; i <= n; i++ {
		if inDegree[i] > 0 && color[i] == white && dfs(i) {
			return path
		}
	}
	return nil
}

func planInvalid(msg string, opts ...xerrors.Option) error {
	return xerrors.New(xerrors.CodePlanInvalid, msg, opts...)
}
