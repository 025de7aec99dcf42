package source

import (
	"fmt"
	"log/slog"

	"github.com/ragsync/ragsync/internal/state"
)

// New builds the detector for a datasource config. The config's
// connection_params JSON is interpreted by the source-specific constructor;
// malformed or incomplete params are fatal. The enable_change_stream flag
// decides whether Start spins up the source's event mechanism or leaves the
// detector serving reconciliation only.
func New(cfg *state.DatasourceConfig, logger *slog.Logger) (Detector, error) {
	if logger != nil {
		logger = logger.With(slog.String("config_id", cfg.ConfigID), slog.String("source_type", string(cfg.SourceType)))
	}

	stream := cfg.EnableChangeStream

	switch cfg.SourceType {
	case state.SourceFilesystem:
		return NewFilesystemDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceS3:
		return NewS3Detector(cfg.ConnectionParams, stream, logger)
	case state.SourceAzureBlob:
		return NewAzureDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceGCS:
		return NewGCSDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceGoogleDrive:
		return NewDriveDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceAlfresco:
		return NewAlfrescoDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceBox:
		return NewBoxDetector(cfg.ConnectionParams, stream, logger)
	case state.SourceMSGraph:
		return NewGraphDetector(cfg.ConnectionParams, stream, logger)
	default:
		return nil, Fatal(fmt.Errorf("unknown source type %q", cfg.SourceType))
	}
}
