package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/errors"
)

func TestError_KindAndMessage(t *testing.T) {
	err := errors.New(errors.NotFound, "no such path %q", "/a/b")
	assert.Equal(t, errors.NotFound, err.Kind())
	assert.Contains(t, err.Error(), "/a/b")
}

func TestError_Is(t *testing.T) {
	err := errors.New(errors.AlreadyExists, "dst exists")
	assert.True(t, errors.AlreadyExists.Is(err))
	assert.False(t, errors.NotFound.Is(err))
}

func TestWarningSink_CollectsInOrder(t *testing.T) {
	sink := errors.NewWarningSink()
	sink.Add("oem name %q not recognized", "MSDOS5.0")
	sink.Add("partition 2 not aligned")

	require.Equal(t, 2, sink.Len())
	require.Error(t, sink.Err())
}

func TestWarningSink_NilIsSafe(t *testing.T) {
	var sink *errors.WarningSink
	sink.Add("ignored")
	assert.Nil(t, sink.Err())
	assert.Equal(t, 0, sink.Len())
}
