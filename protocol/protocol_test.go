package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBatchRequestRoundtrip(t *testing.T) {
	req := BatchRequest{
		Language: "python",
		Version:  "3.10",
		Files:    []File{{Name: "main.py", Content: []byte("print(1+1)")}},
		Args:     []string{"--flag"},
		Stdin:    "1 2\n",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded BatchRequest
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, req.Language, decoded.Language)
	assert.Equal(t, req.Version, decoded.Version)
	assert.Equal(t, req.Files, decoded.Files)
	assert.Equal(t, req.Args, decoded.Args)
	assert.Equal(t, req.Stdin, decoded.Stdin)
}

func TestExecutionResultRoundtrip(t *testing.T) {
	code := 0
	result := ExecutionResult{
		Language: "python",
		Version:  "3.10",
		Run: PhaseResult{
			Stdout:   "2\n",
			ExitCode: &code,
			WallMs:   12,
		},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded ExecutionResult
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, result.Language, decoded.Language)
	require.NotNil(t, decoded.Run.ExitCode)
	assert.Equal(t, 0, *decoded.Run.ExitCode)
	assert.Nil(t, decoded.Compile)
}

func TestPhaseResultExactlyOneOfExitCodeOrSignal(t *testing.T) {
	sig := "SIGKILL"
	killed := PhaseResult{Signal: &sig, Message: "timeout"}

	data, err := json.Marshal(killed)
	require.NoError(t, err)

	var decoded PhaseResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded.ExitCode)
	require.NotNil(t, decoded.Signal)
	assert.Equal(t, "SIGKILL", *decoded.Signal)
}

func TestClientMessageInitEmbedsBatchRequest(t *testing.T) {
	msg := ClientMessage{
		Type: ClientInit,
		BatchRequest: BatchRequest{
			Language: "c",
			Version:  "11",
			Files:    []File{{Name: "main.c"}},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded ClientMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ClientInit, decoded.Type)
	assert.Equal(t, "c", decoded.Language)
	assert.Equal(t, "11", decoded.Version)
}

func TestClientMessageDataOmitsBatchFields(t *testing.T) {
	msg := ClientMessage{Type: ClientData, Stream: "stdin", Data: "hello\n"}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "language")
	assert.NotContains(t, raw, "files")
	assert.Equal(t, "stdin", raw["stream"])
}

func TestServerMessageExitRoundtrip(t *testing.T) {
	code := 7
	msg := ServerMessage{Type: ServerExit, Stage: PhaseRun, ExitCode: &code}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded ServerMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ServerExit, decoded.Type)
	assert.Equal(t, PhaseRun, decoded.Stage)
	require.NotNil(t, decoded.ExitCode)
	assert.Equal(t, 7, *decoded.ExitCode)
	assert.Nil(t, decoded.Signal)
}

func TestAllowedSignalsContainsStandardNames(t *testing.T) {
	for _, name := range []string{"SIGKILL", "SIGTERM", "SIGINT", "SIGWINCH", "SIGUSR1"} {
		_, ok := AllowedSignals[name]
		assert.True(t, ok, "expected %s in AllowedSignals", name)
	}
	_, ok := AllowedSignals["SIGNOTASIGNAL"]
	assert.False(t, ok)
}

func TestSignalNameReversesAllowedSignals(t *testing.T) {
	assert.Equal(t, "SIGKILL", SignalName(unix.SIGKILL))
	assert.Equal(t, "SIGTERM", SignalName(unix.SIGTERM))
}

func TestCloseCodeConstants(t *testing.T) {
	assert.Equal(t, CloseCode(4000), CloseAlreadyInitialized)
	assert.Equal(t, CloseCode(4001), CloseInitTimeout)
	assert.Equal(t, CloseCode(4005), CloseInvalidSignal)
	assert.Equal(t, CloseCode(4999), CloseCompleted)
}
