package remedy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"log/slog"

	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/pkg/config"
)

// Failure signatures, matched against health diagnostics and the attempt's
// last error. First matching rule wins per retry cycle.
var (
	dependencySignatures = []string{
		"cannot find module",
		"module not found",
		"modulenotfounderror",
		"missing dependency",
		"no such file or directory",
		"package not installed",
	}
	cacheSignatures = []string{
		"checksum mismatch",
		"artifact mismatch",
		"stale cache",
		"cache corrupt",
		"integrity check failed",
	}
	credentialSignatures = []string{
		"no credentials",
		"missing credentials",
		"missing env",
		"environment variable",
		"is not set",
	}
)

// Engine selects and applies a bounded set of automated fixes. Each
// remediation kind runs at most once per attempt; a rule that would repeat
// signals remediation exhausted and the orchestrator escalates to rollback.
type Engine struct {
	installCmd string
	cacheDir   string
	logger     *slog.Logger

	lookPath func(string) (string, error)
	runCmd   func(context.Context, string) (string, error)
	setEnv   func(string, string) error
	now      func() time.Time
}

// New constructs an Engine from server configuration.
func New(cfg config.ServerConfig, logger *slog.Logger) *Engine {
	return &Engine{
		installCmd: strings.TrimSpace(cfg.DependencyInstall),
		cacheDir:   strings.TrimSpace(cfg.BuildCacheDir),
		logger:     logger,
		lookPath:   exec.LookPath,
		runCmd:     runShellCommand,
		setEnv:     os.Setenv,
		now:        time.Now,
	}
}

// Attempt picks the first applicable remediation for the failure and applies
// it. ok is false when nothing applies or the chosen kind was already tried,
// in which case the returned action documents the exhaustion.
func (e *Engine) Attempt(ctx context.Context, att *domain.Attempt, report domain.HealthReport) (domain.RemediationAction, bool) {
	failure := failureText(att, report)

	kind, applicable := e.selectKind(att, failure)
	if !applicable {
		action := domain.RemediationAction{
			AttemptID: att.ID,
			Kind:      kind,
			AppliedAt: e.now(),
			Outcome:   domain.RemediationSkipped,
			Detail:    "no remediation applicable",
		}
		if kind != "" {
			action.Detail = fmt.Sprintf("remediation %s already attempted without success", kind)
		}
		return action, false
	}

	action := e.apply(ctx, att, kind)
	if e.logger != nil {
		e.logger.Info("remediation applied",
			"attempt_id", att.ID,
			"kind", action.Kind,
			"outcome", action.Outcome,
			"detail", action.Detail,
		)
	}
	return action, true
}

// selectKind returns the remediation kind the failure text calls for. The
// second return is false when no rule matches or the matched kind has
// already been consumed for this attempt.
func (e *Engine) selectKind(att *domain.Attempt, failure string) (domain.RemediationKind, bool) {
	switch {
	case matchesAny(failure, dependencySignatures):
		return checked(att, domain.RemedyDependencyReinstall)
	case matchesAny(failure, cacheSignatures):
		return checked(att, domain.RemedyCacheClear)
	case matchesAny(failure, credentialSignatures):
		if !att.RemediationApplied(domain.RemedyFallbackEnvInject) {
			return domain.RemedyFallbackEnvInject, true
		}
		return checked(att, e.fallbackKind())
	default:
		return "", false
	}
}

func checked(att *domain.Attempt, kind domain.RemediationKind) (domain.RemediationKind, bool) {
	if att.RemediationApplied(kind) {
		return kind, false
	}
	return kind, true
}

// fallbackKind prefers the container fallback when docker tooling is on the
// path, the static export fallback otherwise.
func (e *Engine) fallbackKind() domain.RemediationKind {
	if _, err := e.lookPath("docker"); err == nil {
		return domain.RemedyContainerFallback
	}
	return domain.RemedyStaticExportFallback
}

func (e *Engine) apply(ctx context.Context, att *domain.Attempt, kind domain.RemediationKind) domain.RemediationAction {
	action := domain.RemediationAction{
		AttemptID: att.ID,
		Kind:      kind,
		AppliedAt: e.now(),
	}
	switch kind {
	case domain.RemedyDependencyReinstall:
		if e.installCmd == "" {
			action.Outcome = domain.RemediationSkipped
			action.Detail = "no dependency install command configured"
			return action
		}
		output, err := e.runCmd(ctx, e.installCmd)
		if err != nil {
			action.Outcome = domain.RemediationFailed
			action.Detail = truncate(fmt.Sprintf("%v: %s", err, output), 512)
			return action
		}
		action.Outcome = domain.RemediationApplied
		action.Detail = "dependencies reinstalled"
	case domain.RemedyCacheClear:
		if e.cacheDir == "" {
			action.Outcome = domain.RemediationSkipped
			action.Detail = "no build cache directory configured"
			return action
		}
		if err := os.RemoveAll(e.cacheDir); err != nil {
			action.Outcome = domain.RemediationFailed
			action.Detail = err.Error()
			return action
		}
		action.Outcome = domain.RemediationApplied
		action.Detail = "build cache cleared: " + e.cacheDir
	case domain.RemedyFallbackEnvInject:
		injected := e.injectPlaceholders(att.Target)
		action.Outcome = domain.RemediationApplied
		action.Detail = "placeholder environment injected: " + strings.Join(injected, ",")
	case domain.RemedyContainerFallback, domain.RemedyStaticExportFallback:
		action.Outcome = domain.RemediationApplied
		action.Detail = fmt.Sprintf("retry flagged for %s path", kind)
	default:
		action.Outcome = domain.RemediationSkipped
		action.Detail = "unknown remediation kind"
	}
	return action
}

// injectPlaceholders sets safe placeholder configuration so a deploy that
// only lacks credentials can proceed against a non-production backend.
func (e *Engine) injectPlaceholders(target string) []string {
	placeholders := map[string]string{
		"SELFHEAL_FALLBACK_TOKEN": "placeholder",
		"SELFHEAL_FALLBACK_ENV":   target,
	}
	keys := make([]string, 0, len(placeholders))
	for key, value := range placeholders {
		if err := e.setEnv(key, value); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func failureText(att *domain.Attempt, report domain.HealthReport) string {
	var parts []string
	if att.LastError != "" {
		parts = append(parts, att.LastError)
	}
	for _, value := range report.Diagnostics {
		parts = append(parts, value)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func matchesAny(text string, signatures []string) bool {
	for _, sig := range signatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

func runShellCommand(ctx context.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command %s failed: %w", command, err)
	}
	return string(output), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
