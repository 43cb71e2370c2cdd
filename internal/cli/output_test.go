package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func decodeEnvelope(t *testing.T, raw []byte) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(raw, &resp), "output: %s", raw)
	return resp
}

func TestOutputFormatter_JSONEnvelope(t *testing.T) {
	var out bytes.Buffer
	jsonOut := &OutputFormatter{Format: "json", Writer: &out}

	require.NoError(t, jsonOut.Success(map[string]int{"commits": 4}))
	ok := decodeEnvelope(t, out.Bytes())
	assert.Equal(t, "ok", ok.Status)
	assert.Equal(t, map[string]any{"commits": float64(4)}, ok.Data)
	assert.Nil(t, ok.Error)

	out.Reset()
	require.NoError(t, jsonOut.Error(ErrCodeSelection, "no_tools_allowed", nil))
	failed := decodeEnvelope(t, out.Bytes())
	assert.Equal(t, "error", failed.Status)
	assert.Nil(t, failed.Data)
	if assert.NotNil(t, failed.Error) {
		assert.Equal(t, CLIError{Code: ErrCodeSelection, Message: "no_tools_allowed"}, *failed.Error)
	}
}

type renderedResult struct{ n int }

func (r renderedResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "rendered %d\n", r.n)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("chain ok"))
	assert.Equal(t, "chain ok\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(renderedResult{n: 3}))
	assert.Equal(t, "rendered 3\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeGeneric, "boom", map[string]int{"n": 1}))
	assert.Contains(t, buf.String(), "[E001] boom")
	assert.NotContains(t, buf.String(), "details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(ErrCodeGeneric, "boom", map[string]int{"n": 1}))
	assert.Contains(t, buf.String(), "details: map[n:1]")
}

func TestOutputFormatter_LogfOnlyWhenVerbose(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		var stdout, stderr bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &stdout, ErrWriter: &stderr, Verbose: verbose}
		f.Logf("loading %s", "rules.cue")

		assert.Zero(t, stdout.Len(), "diagnostics must stay off stdout")
		if verbose {
			assert.Equal(t, "loading rules.cue\n", stderr.String())
		} else {
			assert.Zero(t, stderr.Len())
		}
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "open", fmt.Errorf("x"))))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("plain")))
	assert.Equal(t, "bad: x", WrapExitError(ExitFailure, "bad", fmt.Errorf("x")).Error())
	assert.Equal(t, "bad", NewExitError(ExitFailure, "bad").Error())
}
