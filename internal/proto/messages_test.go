package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEncodesAsOrderedArray(t *testing.T) {
	cmd := MustCommand("click", ".btn", 0, true)
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `["click",".btn",0,true]`, string(b))
}

func TestParseCommandKeepsArgumentsVerbatim(t *testing.T) {
	cmd, err := ParseCommand(`["enter", "#name", null, {"deep": [1, 2]}, false]`)
	require.NoError(t, err)
	assert.Equal(t, "enter", cmd.Name)
	require.Len(t, cmd.Args, 4)
	assert.Equal(t, `{"deep": [1, 2]}`, string(cmd.Args[2]))
}

func TestParseCommandRejectsMalformed(t *testing.T) {
	for _, in := range []string{`{}`, `[]`, `[1, 2]`, `[""]`, `not json`} {
		_, err := ParseCommand(in)
		assert.Error(t, err, in)
	}
}

func TestFailureOmitsEmptyError(t *testing.T) {
	b, err := json.Marshal(Failure{ExitCode: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"exit_code":1}`, string(b))
}
