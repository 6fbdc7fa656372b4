package pipeline

import (
	"context"
	"strings"
	"sync"
)

// Fake is an in-memory Runner for unit tests. It records every pipeline it
// is asked to run and answers with the first matching rule.
type Fake struct {
	mu    sync.Mutex
	Lines []string
	rules []fakeRule
}

type fakeRule struct {
	substr string
	times  int // <0: unlimited
	fn     func(p *Pipeline) error
}

// NewFake returns a Fake that succeeds for every pipeline.
func NewFake() *Fake {
	return &Fake{}
}

// On registers fn for pipelines whose rendered line contains substr. Rules
// are checked in registration order.
func (f *Fake) On(substr string, fn func(p *Pipeline) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, times: -1, fn: fn})
	return f
}

// OnTimes is like On but the rule is consumed after n matches.
func (f *Fake) OnTimes(substr string, n int, fn func(p *Pipeline) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, times: n, fn: fn})
	return f
}

// Fail makes pipelines containing substr exit with the given status.
func (f *Fake) Fail(substr string, exitCode int) *Fake {
	return f.On(substr, func(p *Pipeline) error {
		return &PipelineError{Command: p.String(), ExitCode: exitCode}
	})
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, p *Pipeline) error {
	line := p.String()
	f.mu.Lock()
	f.Lines = append(f.Lines, line)
	var fn func(p *Pipeline) error
	for i := range f.rules {
		r := &f.rules[i]
		if r.times == 0 || !strings.Contains(line, r.substr) {
			continue
		}
		if r.times > 0 {
			r.times--
		}
		fn = r.fn
		break
	}
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(p)
}

// Matching returns the recorded lines containing substr.
func (f *Fake) Matching(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.Lines {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

// Count returns how many recorded lines contain substr.
func (f *Fake) Count(substr string) int {
	return len(f.Matching(substr))
}
