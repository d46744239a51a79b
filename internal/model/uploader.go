package model

import "context"

// Uploader publishes a finished artifact (result JSON or log) under name.
type Uploader interface {
	Upload(ctx context.Context, name string, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
