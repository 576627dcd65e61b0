package agentle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// recordingTool appends every invocation to calls (thread-safe) and returns
// the configured output.
func recordingTool(name, output string, calls *[]string, mu *sync.Mutex) Tool {
	return Tool{
		Name: name,
		Fn: func(context.Context, map[string]any) (string, error) {
			mu.Lock()
			*calls = append(*calls, name)
			mu.Unlock()
			return output, nil
		},
	}
}

func TestPlanValidate(t *testing.T) {
	e := NewPlanExecutor(mustRegistry(echoTool()))
	tests := []struct {
		name string
		plan ToolPlan
		msg  string
	}{
		{"empty", ToolPlan{}, "at least one step"},
		{"blank id", ToolPlan{Steps: []PlanStep{{ID: " ", Tool: "echo"}}}, "id must not be blank"},
		{"blank tool", ToolPlan{Steps: []PlanStep{{ID: "a", Tool: ""}}}, "tool must not be blank"},
		{"duplicate id", ToolPlan{Steps: []PlanStep{{ID: "a", Tool: "echo"}, {ID: "a", Tool: "echo"}}}, "duplicate step id"},
		{"reserved tool", ToolPlan{Steps: []PlanStep{{ID: "a", Tool: PlanToolName}}}, "cannot call " + PlanToolName},
		{"unknown tool", ToolPlan{Steps: []PlanStep{{ID: "a", Tool: "missing"}}}, `unknown tool "missing"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.plan)
			var pe *ErrToolPlan
			if !errors.As(err, &pe) {
				t.Fatalf("expected ErrToolPlan, got %v", err)
			}
			if !strings.Contains(pe.Message, tt.msg) {
				t.Errorf("message = %q, want contains %q", pe.Message, tt.msg)
			}
		})
	}
}

func TestPlanValidateStepCap(t *testing.T) {
	e := NewPlanExecutor(mustRegistry(echoTool()))
	steps := make([]PlanStep, maxPlanSteps+1)
	for i := range steps {
		steps[i] = PlanStep{ID: fmt.Sprintf("s%d", i), Tool: "echo", Arguments: `{"text":"x"}`}
	}
	if err := e.Validate(ToolPlan{Steps: steps}); err == nil {
		t.Errorf("plan with %d steps should fail validation", len(steps))
	}
	if err := e.Validate(ToolPlan{Steps: steps[:maxPlanSteps]}); err != nil {
		t.Errorf("plan with %d steps should validate: %v", maxPlanSteps, err)
	}
}

func TestPlanWavesDeclarationOrder(t *testing.T) {
	steps := []PlanStep{
		{ID: "c", Tool: "echo", Arguments: `{"text":"$ref:a"}`},
		{ID: "a", Tool: "echo", Arguments: `{"text":"1"}`},
		{ID: "b", Tool: "echo", Arguments: `{"text":"2"}`},
		{ID: "d", Tool: "echo", Arguments: `{"text":"$ref:b $ref:c"}`},
	}
	got, err := waves(steps)
	if err != nil {
		t.Fatalf("waves: %v", err)
	}
	ids := func(wave []PlanStep) []string {
		out := make([]string, len(wave))
		for i, s := range wave {
			out[i] = s.ID
		}
		return out
	}
	if len(got) != 3 {
		t.Fatalf("got %d waves, want 3", len(got))
	}
	// Within a wave, declaration order is preserved.
	if w := ids(got[0]); len(w) != 2 || w[0] != "a" || w[1] != "b" {
		t.Errorf("wave 0 = %v, want [a b]", w)
	}
	if w := ids(got[1]); len(w) != 1 || w[0] != "c" {
		t.Errorf("wave 1 = %v, want [c]", w)
	}
	if w := ids(got[2]); len(w) != 1 || w[0] != "d" {
		t.Errorf("wave 2 = %v, want [d]", w)
	}
}

func TestPlanCycleDetectedBeforeExecution(t *testing.T) {
	var ran atomic.Int32
	counter := Tool{Name: "counter", Fn: func(context.Context, map[string]any) (string, error) {
		ran.Add(1)
		return "ok", nil
	}}
	e := NewPlanExecutor(mustRegistry(counter))
	_, err := e.Execute(context.Background(), ToolPlan{Steps: []PlanStep{
		{ID: "a", Tool: "counter", Arguments: `{"x":"$ref:b"}`},
		{ID: "b", Tool: "counter", Arguments: `{"x":"$ref:a"}`},
	}})
	var pe *ErrToolPlan
	if !errors.As(err, &pe) {
		t.Fatalf("expected ErrToolPlan, got %v", err)
	}
	if pe.Message != "Cycle detected in tool plan dependencies" {
		t.Errorf("message = %q", pe.Message)
	}
	if ran.Load() != 0 {
		t.Errorf("%d tools ran before the cycle was detected, want 0", ran.Load())
	}
}

func TestPlanExecuteSequentialChain(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	reg := mustRegistry(
		recordingTool("fetch", `{"city":"Lisbon"}`, &calls, &mu),
		Tool{Name: "greet", Fn: func(_ context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			return "hello " + city, nil
		}},
	)
	e := NewPlanExecutor(reg)
	res, err := e.Execute(context.Background(), ToolPlan{Steps: []PlanStep{
		{ID: "f", Tool: "fetch", Arguments: `{}`},
		{ID: "g", Tool: "greet", Arguments: `{"city":"$ref:f.city"}`},
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.StepResults) != 2 {
		t.Fatalf("got %d results, want 2", len(res.StepResults))
	}
	last := res.StepResults[1]
	if !last.Success || last.Output != "hello Lisbon" {
		t.Errorf("chained step = %+v, want hello Lisbon", last)
	}
	if !strings.HasPrefix(last.CallID, "plan_g_") {
		t.Errorf("call id = %q, want plan_g_ prefix", last.CallID)
	}
}

func TestPlanSkipsDependentsOfFailedStep(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	reg := mustRegistry(
		failTool(),
		recordingTool("ok", "fine", &calls, &mu),
	)
	e := NewPlanExecutor(reg)
	res, err := e.Execute(context.Background(), ToolPlan{Steps: []PlanStep{
		{ID: "bad", Tool: "always_fails", Arguments: `{}`},
		{ID: "dep", Tool: "ok", Arguments: `{"x":"$ref:bad"}`},
		{ID: "free", Tool: "ok", Arguments: `{}`},
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	byID := make(map[string]StepResult)
	for _, sr := range res.StepResults {
		byID[sr.StepID] = sr
	}
	if byID["bad"].Success {
		t.Error("failing step reported success")
	}
	if byID["dep"].Success || byID["dep"].Output != "Skipped because dependency bad failed" {
		t.Errorf("dependent step = %+v, want skip message", byID["dep"])
	}
	if !byID["free"].Success {
		t.Errorf("independent step = %+v, want success", byID["free"])
	}
	if _, ok := res.Errors["bad"]; !ok {
		t.Error("Errors missing entry for failed step")
	}
	if _, ok := res.Errors["dep"]; !ok {
		t.Error("Errors missing entry for skipped step")
	}
}

func TestPlanOutputStepsFilter(t *testing.T) {
	e := NewPlanExecutor(mustRegistry(echoTool()))
	res, err := e.Execute(context.Background(), ToolPlan{
		Steps: []PlanStep{
			{ID: "a", Tool: "echo", Arguments: `{"text":"one"}`},
			{ID: "b", Tool: "echo", Arguments: `{"text":"two"}`},
			{ID: "c", Tool: "echo", Arguments: `{"text":"three"}`},
		},
		OutputSteps: []string{"b"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.StepResults) != 3 {
		t.Errorf("StepResults = %d, want 3 (filter does not drop executed steps)", len(res.StepResults))
	}
	if len(res.OutputResults) != 1 || res.OutputResults[0].StepID != "b" {
		t.Errorf("OutputResults = %+v, want only b", res.OutputResults)
	}
}

func TestPlanResultFormat(t *testing.T) {
	r := PlanResult{OutputResults: []StepResult{
		{StepID: "txt", Output: "plain text"},
		{StepID: "obj", Output: `{"k":1}`},
		{StepID: "arr", Output: `[1,2]`},
	}}
	got := r.Format()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("Format produced invalid JSON %q: %v", got, err)
	}
	if decoded["txt"] != "plain text" {
		t.Errorf("txt = %v", decoded["txt"])
	}
	if _, ok := decoded["obj"].(map[string]any); !ok {
		t.Errorf("obj not inlined as object: %v", decoded["obj"])
	}
	if _, ok := decoded["arr"].([]any); !ok {
		t.Errorf("arr not inlined as array: %v", decoded["arr"])
	}
}

func TestResolveRefs(t *testing.T) {
	outputs := map[string]string{
		"plain": "hello",
		"obj":   `{"user":{"name":"Ana"},"n":7}`,
		"quoty": `say "hi"`,
	}
	tests := []struct {
		name string
		args string
		want string
	}{
		{"whole string plain", `{"a":"$ref:plain"}`, `{"a":"hello"}`},
		{"whole string object inlined", `{"a":"$ref:obj"}`, `{"a":{"user":{"name":"Ana"},"n":7}}`},
		{"dotted path", `{"a":"$ref:obj.user.name"}`, `{"a":"Ana"}`},
		{"dotted path non-string", `{"a":"$ref:obj.n"}`, `{"a":"7"}`},
		{"embedded in literal", `{"a":"prefix $ref:plain suffix"}`, `{"a":"prefix hello suffix"}`},
		{"embedded escapes quotes", `{"a":"said: $ref:quoty"}`, `{"a":"said: say \"hi\""}`},
		{"missing ref", `{"a":"$ref:nope"}`, `{"a":""}`},
		{"missing path", `{"a":"$ref:obj.user.age"}`, `{"a":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveRefs(tt.args, outputs)
			if got != tt.want {
				t.Errorf("resolveRefs(%q) = %q, want %q", tt.args, got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("resolveRefs(%q) = %q is not valid JSON", tt.args, got)
			}
		})
	}
}

func TestPlanParallelWaveRunsAllSteps(t *testing.T) {
	var ran atomic.Int32
	counter := Tool{Name: "counter", Fn: func(context.Context, map[string]any) (string, error) {
		ran.Add(1)
		return "ok", nil
	}}
	e := NewPlanExecutor(mustRegistry(counter))
	steps := make([]PlanStep, 20)
	for i := range steps {
		steps[i] = PlanStep{ID: fmt.Sprintf("s%d", i), Tool: "counter", Arguments: `{}`}
	}
	res, err := e.Execute(context.Background(), ToolPlan{Steps: steps})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran.Load() != 20 {
		t.Errorf("ran %d steps, want 20", ran.Load())
	}
	for _, sr := range res.StepResults {
		if !sr.Success {
			t.Errorf("step %s failed: %s", sr.StepID, sr.Output)
		}
	}
}

func TestPlanToolDefinition(t *testing.T) {
	def := PlanToolDefinition()
	if def.Name != PlanToolName {
		t.Errorf("name = %q", def.Name)
	}
	if !json.Valid(def.Parameters) {
		t.Error("parameters schema is not valid JSON")
	}
}
