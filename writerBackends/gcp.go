package writerbackends

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"mediaforge/logger"
)

// UploadToGCSWithJSON uploads content to a Google Cloud Storage object using
// a service account key, given either as raw JSON or base64.
func UploadToGCSWithJSON(ctx context.Context, accessInfo map[string]string, reader io.Reader) error {
	bucketName := accessInfo["bucket"]
	if bucketName == "" || accessInfo["credentialsJSON"] == "" {
		return fmt.Errorf("missing required accessInfo keys: bucket, credentialsJSON")
	}
	credentialsJSON, err := serviceAccountJSON(accessInfo["credentialsJSON"])
	if err != nil {
		return err
	}
	object := objectName(accessInfo)

	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return fmt.Errorf("storage.NewClient: %w", err)
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(object).NewWriter(ctx)
	if _, err = io.Copy(wc, reader); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}

	logger.Infof("Successfully uploaded object '%s' to bucket '%s'", object, bucketName)
	return nil
}

func serviceAccountJSON(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") {
		return []byte(value), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("credentialsJSON is neither JSON nor base64: %w", err)
	}
	return decoded, nil
}
