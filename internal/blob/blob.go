// Package blob addresses session artifacts kept in a blob container that is
// reachable through a SAS URI.
package blob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grovetools/daas/version"
	"github.com/sirupsen/logrus"
)

// Deleter removes one artifact from blob storage.
type Deleter interface {
	Delete(ctx context.Context, partialPath string) error
}

// HostName returns the host of a container SAS URI, or "" when it cannot be
// parsed.
func HostName(sasURI string) string {
	u, err := url.Parse(sasURI)
	if err != nil {
		return ""
	}
	return u.Host
}

// PathWithSAS joins a container-relative path onto a SAS URI, keeping the
// SAS query after the path.
func PathWithSAS(sasURI, partialPath string) string {
	if strings.TrimSpace(partialPath) == "" {
		return ""
	}
	partialPath = strings.TrimPrefix(strings.ReplaceAll(partialPath, "\\", "/"), "/")
	base, query, hasQuery := strings.Cut(sasURI, "?")
	joined := strings.TrimSuffix(base, "/") + "/" + partialPath
	if hasQuery {
		joined += "?" + query
	}
	return joined
}

// SASDeleter deletes blobs with authenticated HTTP DELETE requests.
type SASDeleter struct {
	sasURI string
	client *http.Client
	logger *logrus.Entry
}

// NewSASDeleter creates a deleter for the container addressed by sasURI.
func NewSASDeleter(sasURI string, client *http.Client, logger *logrus.Entry) *SASDeleter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SASDeleter{sasURI: sasURI, client: client, logger: logger}
}

// Delete removes the blob at partialPath. A blob that is already gone is not
// an error.
func (d *SASDeleter) Delete(ctx context.Context, partialPath string) error {
	if d.sasURI == "" {
		return fmt.Errorf("blob storage is not configured")
	}
	target := PathWithSAS(d.sasURI, partialPath)
	if target == "" {
		return fmt.Errorf("empty blob path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	req.Header.Set("x-ms-version", "2021-08-06")
	req.Header.Set("x-ms-delete-snapshots", "include")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", partialPath, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		d.logger.WithField("path", partialPath).Debug("Blob already deleted")
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("failed to delete blob %s: %s", partialPath, resp.Status)
	}
	d.logger.WithField("path", partialPath).Debug("Deleted blob")
	return nil
}
