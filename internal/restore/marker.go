// Package restore persists the tiny marker file a client uses to
// self-rejoin its server after a restart.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/httpclient"
)

// Dir is the marker file's parent directory.
const Dir = "/var/run/netmet"

type marker struct {
	RefreshConfURL string `json:"refresh_conf_url"`
}

// Path returns the marker file path for the client listening on port.
func Path(port int) string {
	return filepath.Join(Dir, fmt.Sprintf("restore_api_%d", port))
}

// Write persists refreshConfURL for port, creating Dir if needed.
func Write(port int, refreshConfURL string) error {
	if err := os.MkdirAll(Dir, 0o755); err != nil {
		return errors.Wrap(err, "create restore marker directory")
	}
	buf, err := json.Marshal(marker{RefreshConfURL: refreshConfURL})
	if err != nil {
		return errors.Wrap(err, "marshal restore marker")
	}
	return os.WriteFile(Path(port), buf, 0o644)
}

// Remove deletes the marker file, ignoring a missing file.
func Remove(port int) error {
	err := os.Remove(Path(port))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove restore marker")
	}
	return nil
}

// Read loads the marker for port, returning os.IsNotExist(err) if none
// was ever written.
func Read(port int) (string, error) {
	buf, err := os.ReadFile(Path(port))
	if err != nil {
		return "", err
	}
	var m marker
	if err := json.Unmarshal(buf, &m); err != nil {
		return "", errors.Wrap(err, "decode restore marker")
	}
	return m.RefreshConfURL, nil
}

// RetryRejoin POSTs to the saved refresh URL until it gets a 200 or 404,
// or ctx is cancelled.
func RetryRejoin(ctx context.Context, client *httpclient.Client, port int, interval time.Duration) error {
	url, err := Read(port)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for {
		status, err := client.Post(ctx, url)
		if err == nil && (status == 200 || status == 404) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
