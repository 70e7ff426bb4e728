package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_ClassifiesViaErrorsIs(t *testing.T) {
	err := Wrap(ErrConfig, "missing %s", "TL_GIT_REPO_URL")
	assert.True(t, errors.Is(err, ErrConfig))
	assert.False(t, errors.Is(err, ErrGit))
	assert.Equal(t, "missing TL_GIT_REPO_URL", err.Error())
}

func TestWrapErr_PreservesCauseAndClass(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := WrapErr(ErrGit, "git push origin main", cause)

	assert.True(t, errors.Is(err, ErrGit))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "git push origin main")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestWrapErr_AsUnwrapsToOriginalError(t *testing.T) {
	cause := &customErr{code: 42}
	err := WrapErr(ErrRegistry, "inspecting image", cause)

	var target *customErr
	ok := errors.As(err, &target)
	assert.True(t, ok)
	assert.Equal(t, 42, target.code)
}

type customErr struct{ code int }

func (e *customErr) Error() string { return fmt.Sprintf("custom error %d", e.code) }
