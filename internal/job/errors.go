package job

import "errors"

var (
	ErrNoActiveJob = errors.New("no active download job")
	ErrNoArtifact  = errors.New("artifact not ready")
)
