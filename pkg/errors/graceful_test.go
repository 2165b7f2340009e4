package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cause := stderrors.New("boom")
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(cause))
	assert.Equal(t, ExitFailure, ExitCode(Fatal("run worker", cause)))
	assert.Equal(t, ExitConfig, ExitCode(Validation("worker.max_sessions", cause)))
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("startup: %w", Config("tollgate.toml", cause))))
}

func TestConfigErrorMessages(t *testing.T) {
	err := Config("missing.toml", os.ErrNotExist)
	assert.Contains(t, err.Error(), "'missing.toml' not found")
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = Config("bad.toml", stderrors.New("toml: line 3"))
	assert.Contains(t, err.Error(), "failed to parse configuration file 'bad.toml'")
}
