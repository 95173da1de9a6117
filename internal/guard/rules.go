package guard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/pontis-dev/pontis/internal/config"
)

// safeTools are read-only tools that never mutate the workspace.
var safeTools = map[string]struct{}{
	"Read":         {},
	"Grep":         {},
	"Glob":         {},
	"LS":           {},
	"WebSearch":    {},
	"NotebookRead": {},
	"TodoWrite":    {},
}

// dangerousPatterns are command fragments that indicate destructive or
// credential-stealing operations. Matched case-insensitively against the
// request input.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"rm -fr /",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	":(){",
	"chmod -r 777 /",
	"chown -r",
	"/etc/shadow",
	"/etc/passwd",
	".ssh/id_rsa",
	".ssh/id_ed25519",
	".aws/credentials",
	"git push --force",
	"git push -f",
	"drop table",
	"drop database",
	"truncate table",
	"shutdown -h",
	"kill -9 1",
}

// pipeToShellSources paired with a pipe indicate remote code execution.
var pipeToShellSources = []string{"curl", "wget"}

// compiledRule is a user-supplied CEL rule ready for evaluation.
type compiledRule struct {
	program cel.Program
	verdict Verdict
	reason  string
	expr    string
}

// RuleValidator evaluates permission requests against a fixed dangerous
// pattern list, a safe tool list, and user-supplied CEL expressions.
type RuleValidator struct {
	rules []compiledRule
}

// NewRuleValidator compiles the configured CEL rules. A rule that fails to
// compile is a configuration error.
func NewRuleValidator(rules []config.GuardRule) (*RuleValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("input", cel.StringType),
		cel.Variable("description", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	v := &RuleValidator{}
	for i, rule := range rules {
		ast, iss := env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("guard rule %d (%q): %w", i, rule.Expr, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("guard rule %d (%q): expression must return bool", i, rule.Expr)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("guard rule %d (%q): %w", i, rule.Expr, err)
		}
		reason := rule.Reason
		if reason == "" {
			reason = "matched rule: " + rule.Expr
		}
		v.rules = append(v.rules, compiledRule{
			program: prg,
			verdict: Verdict(rule.Verdict),
			reason:  reason,
			expr:    rule.Expr,
		})
	}
	return v, nil
}

// Evaluate classifies a permission request. It never fails: a rule whose
// evaluation errors is skipped.
func (v *RuleValidator) Evaluate(tool string, input json.RawMessage, description string) Finding {
	if _, ok := safeTools[tool]; ok {
		return Finding{Verdict: VerdictSafe, Reason: "read-only tool", RuleBasedOnly: true}
	}

	inputText := strings.ToLower(string(input))
	for _, pattern := range dangerousPatterns {
		if strings.Contains(inputText, pattern) {
			return Finding{
				Verdict:       VerdictDangerous,
				Reason:        "input matches dangerous pattern " + fmt.Sprintf("%q", pattern),
				RuleBasedOnly: true,
			}
		}
	}
	if strings.Contains(inputText, "| sh") || strings.Contains(inputText, "| bash") ||
		strings.Contains(inputText, "|sh") || strings.Contains(inputText, "|bash") {
		for _, src := range pipeToShellSources {
			if strings.Contains(inputText, src) {
				return Finding{
					Verdict:       VerdictDangerous,
					Reason:        "piping a remote download to a shell",
					RuleBasedOnly: true,
				}
			}
		}
	}

	vars := map[string]any{
		"tool":        tool,
		"input":       string(input),
		"description": description,
	}
	for _, rule := range v.rules {
		out, _, err := rule.program.Eval(vars)
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		return Finding{Verdict: rule.verdict, Reason: rule.reason, RuleBasedOnly: true}
	}

	return Finding{Verdict: VerdictUncertain, RuleBasedOnly: true}
}
