package fixloop

import "fmt"

// ExhaustedAnswer is the final answer of a run that never succeeded.
const ExhaustedAnswer = "Max iterations reached"

// FixPrompt builds the prompt for the next attempt from the failed one.
func FixPrompt(stderr, task, code string, class FailureClass) string {
	return fmt.Sprintf("Previous code failed with error: %s\n\nOriginal task: %s\n\nFix this code to work correctly:\n%s\n\nERROR TYPE: %s\n",
		stderr, task, code, class)
}
