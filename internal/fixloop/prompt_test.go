package fixloop

import (
	"strings"
	"testing"
)

func TestFixPrompt(t *testing.T) {
	got := FixPrompt("NameError: name 'x' is not defined", "print x squared", "print(x * x)", ClassNameError)

	want := "Previous code failed with error: NameError: name 'x' is not defined\n\n" +
		"Original task: print x squared\n\n" +
		"Fix this code to work correctly:\nprint(x * x)\n\n" +
		"ERROR TYPE: NAME_ERROR\n"
	if got != want {
		t.Errorf("FixPrompt() =\n%q\nwant\n%q", got, want)
	}
}

func TestFixPrompt_EmbedsOriginalTaskNotPreviousPrompt(t *testing.T) {
	first := FixPrompt("boom", "task", "code1", ClassOtherError)
	second := FixPrompt("boom again", "task", "code2", ClassOtherError)

	if strings.Contains(second, first) {
		t.Error("second fix prompt should not nest the first")
	}
	if !strings.Contains(second, "Original task: task\n") {
		t.Error("fix prompt should carry the original task")
	}
}
