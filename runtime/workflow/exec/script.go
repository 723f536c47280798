package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	osexec "os/exec"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/refs"
	"github.com/robertkrimen/otto"
)

type (
	// JSRunner executes user JavaScript with named input bindings. The
	// default uses an embedded interpreter; deployments can substitute a
	// hardened sandbox.
	JSRunner interface {
		RunScript(ctx context.Context, code string, inputs map[string]any) (any, error)
	}

	// BashRunner executes user shell scripts with the given environment
	// additions and working directory.
	BashRunner interface {
		RunShell(ctx context.Context, script string, env map[string]string, dir string) (ShellResult, error)
	}

	// ShellResult is a finished shell invocation.
	ShellResult struct {
		Stdout   string
		Stderr   string
		ExitCode int
	}

	// OttoRunner runs JavaScript on an embedded otto interpreter. Each call
	// gets a fresh VM; context cancellation halts the script via the VM's
	// interrupt channel.
	OttoRunner struct{}

	// ShellRunner runs scripts under bash -c on the host.
	ShellRunner struct{}

	javascriptExecutor struct {
		runner JSRunner
	}

	bashExecutor struct {
		runner BashRunner
	}

	inputMapping struct {
		name  string
		value string
	}
)

// scriptHalt aborts an otto VM from its interrupt channel.
type scriptHalt struct{}

// RunScript implements JSRunner. The script's value is its last expression,
// or the "result" variable when the script assigns one.
func (OttoRunner) RunScript(ctx context.Context, code string, inputs map[string]any) (out any, err error) {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt <- func() { panic(scriptHalt{}) }
		case <-done:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			if _, ok := caught.(scriptHalt); ok {
				out, err = nil, ctx.Err()
				return
			}
			panic(caught)
		}
	}()

	for name, v := range inputs {
		if setErr := vm.Set(name, v); setErr != nil {
			return nil, setErr
		}
	}

	value, err := vm.Run(code)
	if err != nil {
		return nil, err
	}
	if res, getErr := vm.Get("result"); getErr == nil && res.IsDefined() {
		value = res
	}
	if !value.IsDefined() {
		return nil, nil
	}
	exported, err := value.Export()
	if err != nil {
		return nil, err
	}
	return jsonShape(exported), nil
}

// jsonShape normalizes interpreter exports to JSON value types so script
// results reference and journal like every other node output.
func jsonShape(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// RunShell implements BashRunner on the host's bash.
func (ShellRunner) RunShell(ctx context.Context, script string, env map[string]string, dir string) (ShellResult, error) {
	cmd := osexec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *osexec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

func (javascriptExecutor) Validate(node workflow.Node) error {
	if strings.TrimSpace(node.ConfigString("code")) == "" {
		return workflow.NewError(workflow.CodeValidationFailed, "code is required").WithNode(node.ID)
	}
	return nil
}

func (e javascriptExecutor) Execute(ctx context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	bindings := make(map[string]any)
	for _, m := range mappingsOf(node) {
		if v, ok := refs.ResolveValue(m.value, ec.Inputs); ok {
			bindings[m.name] = v
			continue
		}
		bindings[m.name] = refs.Resolve(m.value, ec.Inputs)
	}
	// Predecessor results are always reachable as inputs["Name"], mapped or
	// not.
	if _, taken := bindings["inputs"]; !taken {
		bindings["inputs"] = keyedInputs(ec)
	}

	out, err := e.runner.RunScript(ctx, node.ConfigString("code"), bindings)
	if err != nil {
		return Outcome{}, scriptError(err, node.ID, "JavaScript")
	}
	return Outcome{Output: out}, nil
}

func (bashExecutor) Validate(node workflow.Node) error {
	if strings.TrimSpace(node.ConfigString("script")) == "" {
		return workflow.NewError(workflow.CodeValidationFailed, "script is required").WithNode(node.ID)
	}
	return nil
}

func (e bashExecutor) Execute(ctx context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	env := make(map[string]string)
	for _, m := range mappingsOf(node) {
		env[m.name] = refs.Resolve(m.value, ec.Inputs)
	}
	dir := node.ConfigString("workingDirectory")
	if dir == "" {
		dir = ec.WorkingDirectory
	}

	res, err := e.runner.RunShell(ctx, node.ConfigString("script"), env, dir)
	if err != nil {
		return Outcome{}, scriptError(err, node.ID, "Bash")
	}
	if res.ExitCode != 0 {
		return Outcome{}, workflow.Errorf(workflow.CodeExecutionFailed,
			"script exited with code %d: %s", res.ExitCode, tail(res.Stderr, 500)).WithNode(node.ID)
	}
	return Outcome{Output: map[string]any{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": float64(res.ExitCode),
	}}, nil
}

// scriptError maps sandbox failures onto the stable error taxonomy.
func scriptError(err error, nodeID, kind string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.Errorf(workflow.CodeTimeout, "%s execution timed out", kind).WithNode(nodeID)
	case errors.Is(err, context.Canceled):
		return workflow.NewError(workflow.CodeAgentInterrupted, "Execution interrupted").WithNode(nodeID)
	}
	return workflow.Errorf(workflow.CodeExecutionFailed, "%s execution failed: %v", kind, err).WithNode(nodeID)
}

// mappingsOf reads the node's inputMappings list.
func mappingsOf(node workflow.Node) []inputMapping {
	raw, _ := node.Data["inputMappings"].([]any)
	var out []inputMapping
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		value, _ := m["value"].(string)
		if name != "" {
			out = append(out, inputMapping{name: name, value: value})
		}
	}
	return out
}

// tail returns the last n bytes of s, trimmed of surrounding whitespace.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
