package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_EmptyPlaybookRejected(t *testing.T) {
	t.Parallel()

	res := New().Validate("")
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
}

func TestValidate_MalformedYAMLRejected(t *testing.T) {
	t.Parallel()

	res := New().Validate("- hosts: all\n  tasks: [this is not: valid: yaml")
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
}

func TestValidate_TopLevelMustBeSequence(t *testing.T) {
	t.Parallel()

	res := New().Validate("hosts: all\ntasks: []\n")
	assert.False(t, res.Valid)
}

func TestValidate_HappyPathNoWarnings(t *testing.T) {
	t.Parallel()

	res := New().Validate(`
- hosts: all
  tasks:
    - name: say hi
      debug:
        msg: "hi"
`)
	require.True(t, res.Valid)
	assert.True(t, res.Safe)
	assert.Empty(t, res.Warnings)
}

func TestValidate_DenylistHitSetsUnsafeButStillValid(t *testing.T) {
	t.Parallel()

	res := New().Validate(`
- hosts: all
  tasks:
    - name: nuke it
      shell: rm -rf /
`)
	require.True(t, res.Valid)
	assert.False(t, res.Safe)
	assert.NotEmpty(t, res.Warnings)
}

func TestValidate_RestrictedModuleWarnsWithTaskName(t *testing.T) {
	t.Parallel()

	res := New().Validate(`
- hosts: all
  tasks:
    - name: run a thing
      command: echo hi
    - raw: echo unnamed
`)
	require.True(t, res.Valid)

	var sawNamed, sawUnnamed bool
	for _, w := range res.Warnings {
		if w == `restricted module "command" used in task "run a thing"` {
			sawNamed = true
		}
		if w == `restricted module "raw" used in task "unnamed"` {
			sawUnnamed = true
		}
	}
	assert.True(t, sawNamed, "expected warning naming the task")
	assert.True(t, sawUnnamed, "expected warning for unnamed task")
}

func TestValidate_UnknownTestTypeIsNotValidatorConcern(t *testing.T) {
	t.Parallel()
	// Validator only inspects playbook text; test-case typing is Test
	// Runner's concern (see testrunner package).
	res := New().Validate("- hosts: all\n  tasks: []\n")
	assert.True(t, res.Valid)
}

func TestValidate_IsPure(t *testing.T) {
	t.Parallel()

	text := `
- hosts: all
  tasks:
    - name: x
      shell: rm -rf /tmp/x
`
	v := New()
	a := v.Validate(text)
	b := v.Validate(text)
	assert.Equal(t, a, b)
}
