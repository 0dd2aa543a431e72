package jobs

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// GeoLite database is updated weekly by MaxMind
	GeoLiteUpdateInterval = 7 * 24 * time.Hour
	// MaxMindDownloadURL serves the GeoLite2-City edition as tar.gz
	MaxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
)

var (
	ErrNoLicenseKey = errors.New("no MaxMind license key configured")
	ErrNoDatabase   = errors.New("no .mmdb file found in archive")
)

// GeoLiteUpdater refreshes the GeoLite2-City database used for country
// lookups. The age of the file on disk decides whether a download is due.
type GeoLiteUpdater struct {
	Path       string
	LicenseKey string
	// Defaults to MaxMindDownloadURL and http.DefaultClient.
	URL      string
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger
}

// Run downloads a fresh database when the current one is older than the
// update interval, or always with force. It reports whether the file was
// replaced.
func (u *GeoLiteUpdater) Run(ctx context.Context, force bool) (bool, error) {
	if u.LicenseKey == "" {
		return false, ErrNoLicenseKey
	}
	if u.Path == "" {
		return false, errors.New("no GeoIP database path configured")
	}

	interval := u.Interval
	if interval <= 0 {
		interval = GeoLiteUpdateInterval
	}
	if !force {
		if fi, err := os.Stat(u.Path); err == nil && time.Since(fi.ModTime()) < interval {
			u.Logger.Debug("GeoLite database is up to date",
				slog.Time("last_update", fi.ModTime()),
				slog.Duration("age", time.Since(fi.ModTime())))
			return false, nil
		}
	}

	u.Logger.Info("Starting GeoLite database update", slog.String("path", u.Path))
	if err := u.downloadAndUpdate(ctx); err != nil {
		return false, err
	}
	u.Logger.Info("GeoLite database updated successfully")
	return true, nil
}

func (u *GeoLiteUpdater) downloadURL() (string, error) {
	base := u.URL
	if base == "" {
		base = MaxMindDownloadURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	q := parsed.Query()
	q.Set("edition_id", "GeoLite2-City")
	q.Set("license_key", u.LicenseKey)
	q.Set("suffix", "tar.gz")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// downloadAndUpdate streams the archive and replaces the database with a
// rename, so readers never see a partial file.
func (u *GeoLiteUpdater) downloadAndUpdate(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(u.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	downloadURL, err := u.downloadURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download GeoLite database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(u.Path), ".geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := extractMMDB(resp.Body, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to extract database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), u.Path)
}

// extractMMDB copies the first .mmdb member of a tar.gz stream to dst.
func extractMMDB(r io.Reader, dst io.Writer) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return ErrNoDatabase
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}
		if _, err := io.Copy(dst, tr); err != nil {
			return fmt.Errorf("failed to extract file: %w", err)
		}
		return nil
	}
}
