package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndovu/selfheal/internal/domain"
)

func staticFixture(t *testing.T, revisions ...string) (string, *StaticSiteAdapter) {
	t.Helper()
	root := t.TempDir()
	for _, rev := range revisions {
		if err := os.MkdirAll(filepath.Join(root, "docs", "revisions", rev), 0o755); err != nil {
			t.Fatalf("prepare revision %s: %v", rev, err)
		}
	}
	target := domain.Target{Name: "docs", Backend: domain.BackendStatic, HealthURL: "http://127.0.0.1:8080", HealthPath: "/healthz"}
	adapter, err := NewStaticSite(root, target)
	if err != nil {
		t.Fatalf("create adapter: %v", err)
	}
	return root, adapter
}

func TestStaticDeployActivatesRevision(t *testing.T) {
	root, adapter := staticFixture(t, "v1")

	handle, err := adapter.Deploy(context.Background(), "v1")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if handle.URL != "http://127.0.0.1:8080/healthz" {
		t.Fatalf("unexpected health url %q", handle.URL)
	}
	dest, err := os.Readlink(filepath.Join(root, "docs", "current"))
	if err != nil {
		t.Fatalf("read current link: %v", err)
	}
	if filepath.Base(dest) != "v1" {
		t.Fatalf("current points at %q", dest)
	}
}

func TestStaticDeployIsIdempotent(t *testing.T) {
	root, adapter := staticFixture(t, "v1")

	if _, err := adapter.Deploy(context.Background(), "v1"); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	link := filepath.Join(root, "docs", "current")
	before, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("stat link: %v", err)
	}

	if _, err := adapter.Deploy(context.Background(), "v1"); err != nil {
		t.Fatalf("repeat deploy: %v", err)
	}
	after, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("stat link: %v", err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("re-deploying the live revision should not touch the link")
	}
}

func TestStaticDeploySwapsBetweenRevisions(t *testing.T) {
	_, adapter := staticFixture(t, "v1", "v2")

	if _, err := adapter.Deploy(context.Background(), "v1"); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if _, err := adapter.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if rev, ok := adapter.ActiveRevision(); !ok || rev != "v2" {
		t.Fatalf("expected v2 active, got %q ok=%v", rev, ok)
	}

	// Rollback re-activates the older revision through the same path.
	if _, err := adapter.Rollback(context.Background(), "v1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rev, _ := adapter.ActiveRevision(); rev != "v1" {
		t.Fatalf("expected v1 active after rollback, got %q", rev)
	}
}

func TestStaticDeployMissingRevisionIsBuildFailure(t *testing.T) {
	_, adapter := staticFixture(t)

	_, err := adapter.Deploy(context.Background(), "ghost")
	if err == nil {
		t.Fatalf("expected error for missing revision directory")
	}
	var derr *DeployError
	if !errors.As(err, &derr) {
		t.Fatalf("expected a DeployError, got %T", err)
	}
	if derr.Kind != KindBuildFailed {
		t.Fatalf("expected build_failed, got %s", derr.Kind)
	}
	if !derr.Retryable() {
		t.Fatalf("build failures should feed the remediation loop")
	}
}

func TestStaticDeployEmptyRevisionRejected(t *testing.T) {
	_, adapter := staticFixture(t)
	if _, err := adapter.Deploy(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank revision")
	}
}
