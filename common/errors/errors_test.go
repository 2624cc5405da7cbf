package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestExitCodeError(t *testing.T) {
	assert.Nil(t, NewError(nil, InputErrorExitCode))

	var nilErr *ExitCodeError
	assert.Equal(t, ExitCode(0), nilErr.GetExitCode())

	base := fmt.Errorf("stdin: broken pipe")
	e := NewError(pkgerrors.Wrap(base, "reading requests"), InputErrorExitCode)
	assert.Equal(t, InputErrorExitCode, e.GetExitCode())
	assert.Equal(t, "reading requests: stdin: broken pipe", e.Error())
	assert.Equal(t, base, pkgerrors.Cause(e))

	e = Errorf(InterruptedExitCode, "got signal %s", "interrupt")
	assert.Equal(t, InterruptedExitCode, e.GetExitCode())
	assert.Equal(t, "got signal interrupt", e.Error())
}
