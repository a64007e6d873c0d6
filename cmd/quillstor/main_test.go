// Copyright © 2024 Quillstor, Inc.
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLogLevel(t *testing.T) {
	ll, err := logLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, ll)

	_, err = logLevel("inof")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inof")
}
