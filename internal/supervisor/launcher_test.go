package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script launcher test is unix-only")
	}
	path := filepath.Join(t.TempDir(), "server.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecLauncherTerminateStopsChild(t *testing.T) {
	path := writeScript(t, "sleep 30\n")

	proc, err := NewExecLauncher().Launch(context.Background(), path, os.Environ())
	require.NoError(t, err)
	require.True(t, proc.Alive())
	assert.Positive(t, proc.PID())

	proc.Terminate(2 * time.Second)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after terminate")
	}
	assert.False(t, proc.Alive())
}

func TestExecLauncherObservesNaturalExit(t *testing.T) {
	path := writeScript(t, "exit 0\n")

	proc, err := NewExecLauncher().Launch(context.Background(), path, os.Environ())
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit on its own")
	}
	assert.False(t, proc.Alive())
}

func TestExecLauncherPassesEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	path := writeScript(t, "echo \"$PORT\" > "+out+"\n")

	proc, err := NewExecLauncher().Launch(context.Background(), path, []string{"PORT=18080", "PATH=" + os.Getenv("PATH")})
	require.NoError(t, err)
	<-proc.Done()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "18080\n", string(data))
}

func TestExecLauncherRejectsMissingBinary(t *testing.T) {
	_, err := NewExecLauncher().Launch(context.Background(), filepath.Join(t.TempDir(), "absent"), nil)
	assert.Error(t, err)
}
