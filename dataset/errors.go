package dataset

import "github.com/pkg/errors"

var (
	// ErrMalformedFoldFile is a configuration error: the fold table cannot be used.
	ErrMalformedFoldFile = errors.New("malformed fold file")

	// ErrMissingArtifact means a feature-map or target-signal file does not exist.
	ErrMissingArtifact = errors.New("missing artifact")

	// ErrCorruptArtifact means an artifact exists but cannot be decoded or
	// does not line up with its counterpart.
	ErrCorruptArtifact = errors.New("corrupt artifact")
)
