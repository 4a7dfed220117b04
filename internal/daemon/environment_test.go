// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessEnvironment_RestoresSnapshot(t *testing.T) {
	t.Setenv("BUILDD_ENV_KEEP", "original")
	const added = "BUILDD_ENV_ADDED"
	require.NoError(t, os.Unsetenv(added))

	restore, err := ProcessEnvironment{}.Apply(map[string]string{
		"BUILDD_ENV_KEEP": "override",
		added:             "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "override", os.Getenv("BUILDD_ENV_KEEP"))
	assert.Equal(t, "1", os.Getenv(added))

	// Mutations made during the build are rolled back too.
	require.NoError(t, os.Setenv("BUILDD_ENV_DURING", "x"))

	restore()
	assert.Equal(t, "original", os.Getenv("BUILDD_ENV_KEEP"))
	_, ok := os.LookupEnv(added)
	assert.False(t, ok)
	_, ok = os.LookupEnv("BUILDD_ENV_DURING")
	assert.False(t, ok)
}

func TestProcessEnvironment_RejectsInvalidName(t *testing.T) {
	t.Setenv("BUILDD_ENV_KEEP", "original")

	restore, err := ProcessEnvironment{}.Apply(map[string]string{"BAD=NAME": "x"})
	require.Error(t, err)
	require.NotNil(t, restore)
	restore()
	assert.Equal(t, "original", os.Getenv("BUILDD_ENV_KEEP"))
}

func TestReportedError_Unwraps(t *testing.T) {
	inner := os.ErrNotExist
	err := &ReportedError{Err: inner}
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, inner.Error(), err.Error())
}
