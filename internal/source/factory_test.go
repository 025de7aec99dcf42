package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragsync/ragsync/internal/state"
)

func TestFactory(t *testing.T) {
	t.Run("builds a filesystem detector", func(t *testing.T) {
		d, err := New(&state.DatasourceConfig{
			ConfigID:         "cfg-1",
			SourceType:       state.SourceFilesystem,
			ConnectionParams: `{"paths": ["/tmp"]}`,
		}, testLogger())
		require.NoError(t, err)
		assert.IsType(t, &FilesystemDetector{}, d)
	})

	t.Run("builds an s3 detector", func(t *testing.T) {
		d, err := New(&state.DatasourceConfig{
			ConfigID:         "cfg-2",
			SourceType:       state.SourceS3,
			ConnectionParams: `{"bucket": "docs"}`,
		}, testLogger())
		require.NoError(t, err)
		assert.IsType(t, &S3Detector{}, d)
	})

	t.Run("rejects unknown source types", func(t *testing.T) {
		_, err := New(&state.DatasourceConfig{
			ConfigID:   "cfg-3",
			SourceType: "ftp",
		}, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("propagates fatal param errors", func(t *testing.T) {
		_, err := New(&state.DatasourceConfig{
			ConfigID:         "cfg-4",
			SourceType:       state.SourceBox,
			ConnectionParams: `{}`,
		}, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})
}
