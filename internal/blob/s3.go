package blob

import (
	"context"

	infraS3 "fcreport/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed blob.Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// S3ConfigFromEnv reads FCREPORT_BLOB_S3_* variables.
func S3ConfigFromEnv() S3Config { return infraS3.ConfigFromEnv() }

// NewMockS3ForTests exposes the in-process S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMock("") }
