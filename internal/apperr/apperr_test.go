package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchesThroughWrapping(t *testing.T) {
	base := E(NotFound, "get job", errors.New("job abc"))
	wrapped := fmt.Errorf("handler: %w", base)

	assert.True(t, errors.Is(wrapped, NotFound))
	assert.False(t, errors.Is(wrapped, Validation))
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, "handler: get job: job abc", wrapped.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorfKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Errorf(ExternalService, "creating pull request: %w", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ExternalService))
}
