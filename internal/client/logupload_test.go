package client

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestUploadLog_SendsGzippedBodyWithHeaders(t *testing.T) {
	var gotContentType, gotContentEncoding string
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotContentEncoding = r.Header.Get("Content-Encoding")

		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("reading gzip body: %v", err)
			return
		}
		raw, err := io.ReadAll(gz)
		if err != nil {
			t.Errorf("decompressing body: %v", err)
			return
		}
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := UploadLog(context.Background(), srv.Client(), srv.URL, strings.NewReader("hello log"), nil)
	if err != nil {
		t.Fatalf("UploadLog: %v", err)
	}
	if gotContentType != "text/plain" {
		t.Errorf("Content-Type: got %q, want text/plain", gotContentType)
	}
	if gotContentEncoding != "gzip" {
		t.Errorf("Content-Encoding: got %q, want gzip", gotContentEncoding)
	}
	if gotBody != "hello log" {
		t.Errorf("body: got %q, want %q", gotBody, "hello log")
	}
}

func TestUploadLog_NonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := UploadLog(context.Background(), srv.Client(), srv.URL, strings.NewReader("data"), nil)
	if err != nil {
		t.Fatalf("expected a non-2xx response to be logged, not returned as an error: %v", err)
	}
}

func TestLogUploadIntervalFromEnv(t *testing.T) {
	t.Setenv("CONNLIB_LOG_UPLOAD_INTERVAL_SECS", "")
	if got := LogUploadIntervalFromEnv(); got != DefaultLogUploadInterval {
		t.Errorf("empty env: got %v, want default %v", got, DefaultLogUploadInterval)
	}

	t.Setenv("CONNLIB_LOG_UPLOAD_INTERVAL_SECS", "not-a-number")
	if got := LogUploadIntervalFromEnv(); got != DefaultLogUploadInterval {
		t.Errorf("unparsable env: got %v, want default %v", got, DefaultLogUploadInterval)
	}

	t.Setenv("CONNLIB_LOG_UPLOAD_INTERVAL_SECS", "120")
	if got := LogUploadIntervalFromEnv(); got != 120*time.Second {
		t.Errorf("got %v, want 120s", got)
	}

	os.Unsetenv("CONNLIB_LOG_UPLOAD_INTERVAL_SECS")
}
