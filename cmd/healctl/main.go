package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/ndovu/selfheal/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const defaultAPIBase = "http://localhost:4600"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "target":
		err = commandTarget(args)
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
	case "cancel":
		err = commandCancel(args)
	case "watch":
		err = commandWatch(args)
	case "journal":
		err = commandJournal(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	operator := fs.String("operator", "", "Operator name")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	if strings.TrimSpace(*operator) == "" {
		return errors.New("--operator is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(raw)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Login(ctx, *operator, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandTarget(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: healctl target [list|add]")
	}
	switch args[0] {
	case "list":
		return targetList(args[1:])
	case "add":
		return targetAdd(args[1:])
	default:
		return fmt.Errorf("unknown target command: %s", args[0])
	}
}

func targetList(args []string) error {
	fs := flag.NewFlagSet("target list", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	targets, err := client.ListTargets(ctx, token)
	if err != nil {
		return err
	}
	for _, t := range targets {
		lkg := t.LastKnownGood
		if lkg == "" {
			lkg = "-"
		}
		fmt.Printf("%s\t%s\t%s\n", t.Name, t.Backend, lkg)
	}
	return nil
}

func targetAdd(args []string) error {
	fs := flag.NewFlagSet("target add", flag.ExitOnError)
	name := fs.String("name", "", "Target name")
	backend := fs.String("backend", "container", "Backend kind (container|static)")
	image := fs.String("image", "", "Image repository (container backend)")
	healthURL := fs.String("health-url", "", "Health probe base URL (static backend)")
	healthPath := fs.String("health-path", "", "Health probe path")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	saved, err := client.UpsertTarget(ctx, token, apiclient.Target{
		Name:       *name,
		Backend:    *backend,
		ImageRepo:  *image,
		HealthURL:  *healthURL,
		HealthPath: *healthPath,
	})
	if err != nil {
		return err
	}
	fmt.Printf("target saved: %s (%s)\n", saved.Name, saved.Backend)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	target := fs.String("target", "", "Target name")
	revision := fs.String("revision", "", "Revision to deploy")
	maxRetries := fs.Int("max-retries", 0, "Override retry budget")
	healthTimeoutMS := fs.Int64("health-timeout-ms", 0, "Override health confirmation window in milliseconds")
	watch := fs.Bool("watch", false, "Poll until the attempt finishes")
	fs.Parse(args)

	if strings.TrimSpace(*target) == "" {
		return errors.New("--target is required")
	}
	if strings.TrimSpace(*revision) == "" {
		return errors.New("--revision is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	attempt, err := client.TriggerDeployment(ctx, token, apiclient.TriggerInput{
		Target:          *target,
		Revision:        *revision,
		MaxRetries:      *maxRetries,
		HealthTimeoutMS: *healthTimeoutMS,
	})
	if err != nil {
		return err
	}
	fmt.Printf("attempt accepted: %s status=%s\n", attempt.ID, attempt.Status)
	if *watch {
		return watchAttempt(client, token, attempt.ID)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	attemptID := fs.String("attempt", "", "Attempt identifier")
	target := fs.String("target", "", "List recent attempts for a target instead")
	limit := fs.Int("limit", 5, "Maximum attempts to list")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if strings.TrimSpace(*attemptID) != "" {
		raw, err := client.GetAttempt(ctx, token, *attemptID)
		if err != nil {
			return err
		}
		return printJSON(raw)
	}

	attempts, err := client.ListAttempts(ctx, token, *target, *limit)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		fmt.Printf("%s\t%s\t%s\t%s\ttry %d/%d\n", a.ID, a.Target, a.Revision, a.Status, a.AttemptNumber, a.MaxRetries)
	}
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	attemptID := fs.String("attempt", "", "Attempt identifier")
	fs.Parse(args)
	if strings.TrimSpace(*attemptID) == "" {
		return errors.New("--attempt is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.CancelAttempt(ctx, token, *attemptID); err != nil {
		return err
	}
	fmt.Println("cancellation requested")
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	attemptID := fs.String("attempt", "", "Attempt identifier")
	fs.Parse(args)
	if strings.TrimSpace(*attemptID) == "" {
		return errors.New("--attempt is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	return watchAttempt(client, token, *attemptID)
}

func commandJournal(args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	attemptID := fs.String("attempt", "", "Attempt identifier")
	fs.Parse(args)
	if strings.TrimSpace(*attemptID) == "" {
		return errors.New("--attempt is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	raw, err := client.GetJournal(ctx, token, *attemptID)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

// watchAttempt polls until the attempt reaches a terminal status.
func watchAttempt(client *apiclient.Client, token, attemptID string) error {
	lastStatus := ""
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		attempt, err := client.GetAttemptSummary(ctx, token, attemptID)
		cancel()
		if err != nil {
			return err
		}
		if attempt.Status != lastStatus {
			fmt.Printf("%s\t%s\ttry %d/%d\n", time.Now().Format(time.TimeOnly), attempt.Status, attempt.AttemptNumber, attempt.MaxRetries)
			lastStatus = attempt.Status
		}
		switch attempt.Status {
		case "succeeded", "succeeded_rollback", "failed":
			if attempt.LastError != "" {
				fmt.Printf("last error: %s\n", attempt.LastError)
			}
			if attempt.ManualReview {
				fmt.Println("manual review required")
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'healctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "healctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("healctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	healctl login --operator <name> [--password secret] [--api http://localhost:4600]
	healctl target list
	healctl target add --name <name> --backend container|static [--image repo] [--health-url url] [--health-path /healthz]
	healctl deploy --target <name> --revision <rev> [--max-retries N] [--health-timeout-ms N] [--watch]
	healctl status [--attempt <id>] [--target <name>] [--limit N]
	healctl cancel --attempt <id>
	healctl watch --attempt <id>
	healctl journal --attempt <id>
	healctl version
`)
}
