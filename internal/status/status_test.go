package status

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, OK},
		{"bare status", NotFound, NotFound},
		{"typed", New(ParseError, "decode", nil), ParseError},
		{"wrapped typed", errors.Wrap(New(IOError, "read", nil), "load page"), IOError},
		{"fmt wrapped", fmt.Errorf("outer: %w", Errorf(NotFound, "missing %s", "x")), NotFound},
		{"canceled", context.Canceled, IOError},
		{"plain", errors.New("boom"), InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := errors.Wrap(New(NotFound, "get object", errors.New("no such key")), "page")

	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, InternalError))
	assert.True(t, Is(err, NotFound))
	assert.Contains(t, err.Error(), "get object: NOT_FOUND: no such key")
}

func TestString(t *testing.T) {
	assert.Equal(t, "PARSE_ERROR", ParseError.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}
