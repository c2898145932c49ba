package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ndovu/selfheal/internal/domain"
)

// StaticSiteAdapter activates a prebuilt revision directory by swapping a
// `current` symlink under the target's serving root. The swap is atomic
// (symlink to temp name, then rename), so a failed deploy never leaves a
// partially-applied site.
type StaticSiteAdapter struct {
	root   string
	target domain.Target
}

// NewStaticSite constructs a static-site adapter rooted at root/<target>.
func NewStaticSite(root string, target domain.Target) (*StaticSiteAdapter, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("static root required")
	}
	return &StaticSiteAdapter{root: root, target: target}, nil
}

func (a *StaticSiteAdapter) Name() string { return domain.BackendStatic }

// Deploy points the current symlink at the revision directory. Re-deploying
// the already-active revision is a no-op.
func (a *StaticSiteAdapter) Deploy(ctx context.Context, revision string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, NewDeployError(KindUnknown, err, "")
	}
	if strings.TrimSpace(revision) == "" {
		return Handle{}, NewDeployError(KindBuildFailed, errors.New("empty revision"), "")
	}
	revDir := filepath.Join(a.root, a.target.Name, "revisions", revision)
	info, err := os.Stat(revDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Handle{}, NewDeployError(KindBuildFailed, err, "revision directory not found")
		}
		return Handle{}, NewDeployError(KindUnknown, err, "")
	}
	if !info.IsDir() {
		return Handle{}, NewDeployError(KindBuildFailed, fmt.Errorf("revision path %s is not a directory", revDir), "")
	}

	current := filepath.Join(a.root, a.target.Name, "current")
	if dest, err := os.Readlink(current); err == nil && filepath.Base(dest) == revision {
		return a.handleFor(revision), nil
	}

	tmp := current + ".next"
	_ = os.Remove(tmp)
	if err := os.Symlink(revDir, tmp); err != nil {
		return Handle{}, NewDeployError(KindUnknown, fmt.Errorf("stage symlink: %w", err), "")
	}
	if err := os.Rename(tmp, current); err != nil {
		_ = os.Remove(tmp)
		return Handle{}, NewDeployError(KindUnknown, fmt.Errorf("activate revision: %w", err), "")
	}
	return a.handleFor(revision), nil
}

// Rollback re-activates a previous revision directory.
func (a *StaticSiteAdapter) Rollback(ctx context.Context, revision string) (Handle, error) {
	return a.Deploy(ctx, revision)
}

// HealthURL returns the configured probe URL for the target.
func (a *StaticSiteAdapter) HealthURL(h Handle) string {
	return h.URL
}

// ActiveRevision reports the revision currently linked, if any.
func (a *StaticSiteAdapter) ActiveRevision() (string, bool) {
	dest, err := os.Readlink(filepath.Join(a.root, a.target.Name, "current"))
	if err != nil {
		return "", false
	}
	return filepath.Base(dest), true
}

func (a *StaticSiteAdapter) handleFor(revision string) Handle {
	url := a.target.HealthURL
	if url != "" && a.target.HealthPath != "" {
		url = strings.TrimRight(url, "/") + a.target.HealthPath
	}
	return Handle{
		Target:     a.target.Name,
		Revision:   revision,
		ResourceID: filepath.Join(a.target.Name, "current"),
		URL:        url,
	}
}
