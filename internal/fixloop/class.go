package fixloop

import (
	"strings"

	"codegen-autofix/internal/sandbox"
)

// FailureClass tags the outcome of one attempt.
type FailureClass string

const (
	ClassSuccess     FailureClass = "SUCCESS"
	ClassTimeout     FailureClass = "TIMEOUT"
	ClassSyntaxError FailureClass = "SYNTAX_ERROR"
	ClassNameError   FailureClass = "NAME_ERROR"
	ClassTypeError   FailureClass = "TYPE_ERROR"
	ClassNoOutput    FailureClass = "NO_OUTPUT"
	ClassOtherError  FailureClass = "OTHER_ERROR"
)

// Rule maps results matching Match to Class. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Name  string
	Class FailureClass
	Match func(sandbox.ExecutionResult) bool
}

// DefaultRules returns the standard precedence: success, then the most
// specific failures, then the catch-alls.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "success",
			Class: ClassSuccess,
			Match: func(r sandbox.ExecutionResult) bool {
				return r.Succeeded && !blank(r.Stdout)
			},
		},
		{
			Name:  "timeout",
			Class: ClassTimeout,
			Match: func(r sandbox.ExecutionResult) bool {
				return strings.Contains(strings.ToLower(r.Stderr), "timeout")
			},
		},
		stderrRule("syntax_error", ClassSyntaxError, "SyntaxError"),
		stderrRule("name_error", ClassNameError, "NameError"),
		stderrRule("type_error", ClassTypeError, "TypeError"),
		{
			Name:  "no_output",
			Class: ClassNoOutput,
			Match: func(r sandbox.ExecutionResult) bool {
				return blank(r.Stdout)
			},
		},
	}
}

func stderrRule(name string, class FailureClass, marker string) Rule {
	return Rule{
		Name:  name,
		Class: class,
		Match: func(r sandbox.ExecutionResult) bool {
			return strings.Contains(r.Stderr, marker)
		},
	}
}

// Classifier applies an ordered rule list. Results no rule claims are
// OTHER_ERROR.
type Classifier struct {
	rules []Rule
}

// NewClassifier uses DefaultRules when rules is empty.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(r sandbox.ExecutionResult) FailureClass {
	for _, rule := range c.rules {
		if rule.Match(r) {
			return rule.Class
		}
	}
	return ClassOtherError
}

var defaultClassifier = NewClassifier(nil)

// Classify uses the default rules.
func Classify(r sandbox.ExecutionResult) FailureClass {
	return defaultClassifier.Classify(r)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
