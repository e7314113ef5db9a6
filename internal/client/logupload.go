package client

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// DefaultLogUploadInterval is used when CONNLIB_LOG_UPLOAD_INTERVAL_SECS is
// absent or unparsable.
const DefaultLogUploadInterval = 300 * time.Second

// LogUploadIntervalFromEnv reads CONNLIB_LOG_UPLOAD_INTERVAL_SECS, falling
// back to DefaultLogUploadInterval.
func LogUploadIntervalFromEnv() time.Duration {
	v := os.Getenv("CONNLIB_LOG_UPLOAD_INTERVAL_SECS")
	if v == "" {
		return DefaultLogUploadInterval
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return DefaultLogUploadInterval
	}
	return time.Duration(secs) * time.Second
}

// UploadLog streams the contents of r, gzip-compressed, to the portal's
// pre-signed URL via HTTP PUT. A non-2xx response is logged and not
// retried — once spawned, an upload either runs to completion or fails on
// the first transport error.
func UploadLog(ctx context.Context, client *http.Client, signedURL string, r io.Reader, log *slog.Logger) error {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, r)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := gz.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, pr)
	if err != nil {
		return fmt.Errorf("building log upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading log archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("log upload rejected, not retrying", "status", resp.StatusCode)
		return nil
	}

	log.Info("log archive uploaded")
	return nil
}
