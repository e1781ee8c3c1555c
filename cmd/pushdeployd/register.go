package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pushdeploy/internal/project"

	"github.com/google/go-github/v57/github"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var registerURL string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register push webhooks on configured repositories",
	Long: `Create the push webhook on every configured repository via the GitHub API.

Repositories must be declared in owner/name form; bare names are skipped.
Requires GITHUB_TOKEN with admin access to the repositories, and WEBHOOK_SECRET
set to the same value the server uses. Existing hooks pointing at the same URL
are left alone.`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVarP(&registerURL, "url", "u", "", "Public base URL of the server (e.g. https://deploy.example.com)")
	_ = registerCmd.MarkFlagRequired("url")
	registerCmd.Flags().StringVarP(&configDir, "config-dir", "c", getEnvOrDefault("PUSHDEPLOY_CONFIG_DIR", "./projects"), "Directory of project configuration YAML files")
}

func runRegister(cmd *cobra.Command, args []string) error {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return fmt.Errorf("GITHUB_TOKEN is not set")
	}

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" || secret == DefaultSecret {
		return fmt.Errorf("WEBHOOK_SECRET must be set to a real secret before registering webhooks")
	}

	byRepo, err := project.LoadDir(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := context.Background()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	webhookURL := strings.TrimRight(registerURL, "/") + "/deploy"

	seen := make(map[string]bool)
	for repoID := range byRepo {
		if seen[repoID] {
			continue
		}
		seen[repoID] = true

		parts := strings.Split(repoID, "/")
		if len(parts) != 2 {
			fmt.Printf("Skipping %s: not in owner/name form\n", repoID)
			continue
		}
		owner, repo := parts[0], parts[1]

		if err := ensureWebhook(ctx, client, owner, repo, webhookURL, secret); err != nil {
			return fmt.Errorf("repository %s: %w", repoID, err)
		}
	}

	return nil
}

// ensureWebhook idempotently creates the push webhook on a repository
func ensureWebhook(ctx context.Context, client *github.Client, owner, repo, webhookURL, secret string) error {
	hooks, _, err := client.Repositories.ListHooks(ctx, owner, repo, nil)
	if err != nil {
		return fmt.Errorf("listing webhooks: %w", err)
	}

	for _, hook := range hooks {
		if hook.Config != nil {
			if url, ok := hook.Config["url"].(string); ok && url == webhookURL {
				fmt.Printf("Webhook already exists on %s/%s\n", owner, repo)
				return nil
			}
		}
	}

	active := true
	hookReq := &github.Hook{
		Events: []string{"push"},
		Active: &active,
		Config: map[string]interface{}{
			"url":          webhookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	if _, _, err := client.Repositories.CreateHook(ctx, owner, repo, hookReq); err != nil {
		return fmt.Errorf("creating webhook: %w", err)
	}

	fmt.Printf("Webhook created on %s/%s\n", owner, repo)
	return nil
}
