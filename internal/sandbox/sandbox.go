// Package sandbox evaluates a job's transform script against one input
// Table and returns one output Table, under a hard wall-clock deadline
// and a restricted capability set.
//
// The transform language, tablescript, is a small expression-tree DSL
// (lexer.go/parser.go/ast.go/interp.go): assignment statements over table
// operations (filter/groupby/sort/topn/select) and arithmetic. Its
// interpreter never binds any filesystem, network, or process-control
// primitive into the evaluation environment, which is the capability
// boundary itself — there is nothing to sandbox at the OS level because
// there is nothing in the language that reaches the OS.
package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/datajob/engine/internal/table"
)

// ErrKind distinguishes the three ways a Sandbox run can fail.
type ErrKind int

const (
	Timeout ErrKind = iota
	Transform
	BadResult
)

// SandboxError is returned by Run. Cause carries the underlying failure;
// for Transform it is the interpreter's error, captured as text for
// inclusion in failure notices.
type SandboxError struct {
	Kind ErrKind
	Cause error
}

func (e *SandboxError) Error() string {
	switch e.Kind {
	case Timeout:
		return "sandbox: transform exceeded its deadline"
	case BadResult:
		return "sandbox: " + e.Cause.Error()
	default:
		return "sandbox: transform error: " + e.Cause.Error()
	}
}

func (e *SandboxError) Unwrap() error { return e.Cause }

// DefaultDeadline is the 300-second hard wall-clock deadline from.
const DefaultDeadline = 300 * time.Second

type runResult struct {
	table *table.Table
	err error
}

// Run parses and evaluates transformText against input, enforcing
// deadline. On expiry, Run returns SandboxError{Timeout} immediately
// without waiting for the evaluation goroutine, which may continue
// running to completion and is simply abandoned.
func Run(transformText string, input *table.Table, deadline time.Duration) (*table.Table, error) {
	prog, err := parse(transformText)
	if err != nil {
		return nil, &SandboxError{Transform, err}
	}

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{nil, fmt.Errorf("transform panicked: %v", r)}
			}
		}()
		out, err := evalProgram(prog, input)
		done <- runResult{out, err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classifyRunError(res.err)
		}
		return res.table, nil
	case <-timer.C:
		return nil, &SandboxError{Kind: Timeout}
	}
}

func classifyRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*SandboxError); ok {
		return err
	}
	// "result did not bind" / "result must be a table" are BadResult;
	// everything else raised during evaluation is a Transform error.
	msg := err.Error()
	if isBadResultMessage(msg) {
		return &SandboxError{BadResult, err}
	}
	return &SandboxError{Transform, err}
}

func isBadResultMessage(msg string) bool {
	return strings.Contains(msg, "transform did not bind result") ||
	strings.Contains(msg, "result must be a table")
}
