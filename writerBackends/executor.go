// Package writerbackends copies finished outputs to mirror destinations:
// a local served directory, S3, Google Cloud Storage or an SFTP server.
package writerbackends

import (
	"context"
	"fmt"
	"io"
)

// Backend types accepted in mirror configuration.
const (
	BackendDirectServe = "directServe"
	BackendS3          = "s3"
	BackendGCS         = "gcs"
	BackendSFTP        = "sftp"
)

// Write streams reader to one destination. accessInfo carries the stored
// credentials plus "folder" and "filename" for the object being written.
func Write(ctx context.Context, backendType string, accessInfo map[string]string, reader io.Reader) error {
	switch backendType {
	case BackendDirectServe:
		if err := UploadToDirectServe(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to direct serve: %w", err)
		}
	case BackendS3:
		if err := UploadToS3WithCreds(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}
	case BackendGCS:
		if err := UploadToGCSWithJSON(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to GCS: %w", err)
		}
	case BackendSFTP:
		if err := UploadToSFTPWithCreds(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to SFTP: %w", err)
		}
	default:
		return fmt.Errorf("unknown backend type: %s", backendType)
	}
	return nil
}

// objectName joins folder and filename with forward slashes.
func objectName(accessInfo map[string]string) string {
	folder := accessInfo["folder"]
	name := accessInfo["filename"]
	if folder == "" {
		return name
	}
	return folder + "/" + name
}
