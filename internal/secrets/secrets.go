package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	"github.com/oscarbot/agent-gateway/internal/config"
)

// SecretValueGetter is the subset of the Secrets Manager client used here.
// *secretsmanager.Client satisfies it.
type SecretValueGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// centralSecret mirrors the central environment secret's JSON layout.
type centralSecret struct {
	SlackBotToken      string `json:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `json:"SLACK_SIGNING_SECRET"`
	SlackAppToken      string `json:"SLACK_APP_TOKEN"`
	PrivilegedUserIDs  string `json:"PRIVILEGED_USER_IDS"`
}

// Hydrate loads the central environment secret named by the config and
// overlays Slack credentials and the privileged-user list onto it. Values
// present in the secret win over environment values. When no secret is
// configured the config is left untouched.
func Hydrate(ctx context.Context, client SecretValueGetter, cfg *config.Config, log zerolog.Logger) error {
	if cfg.CentralSecretName == "" {
		log.Debug().Msg("No central secret configured, using environment credentials")
		return nil
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.CentralSecretName),
	})
	if err != nil {
		return fmt.Errorf("load central secret %s: %w", cfg.CentralSecretName, err)
	}
	if out.SecretString == nil {
		return fmt.Errorf("central secret %s has no string value", cfg.CentralSecretName)
	}

	var sec centralSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &sec); err != nil {
		return fmt.Errorf("parse central secret %s: %w", cfg.CentralSecretName, err)
	}

	if sec.SlackBotToken != "" {
		cfg.SlackBotToken = sec.SlackBotToken
	}
	if sec.SlackSigningSecret != "" {
		cfg.SlackSigningSecret = sec.SlackSigningSecret
	}
	if sec.SlackAppToken != "" {
		cfg.SlackAppToken = sec.SlackAppToken
	}
	if sec.PrivilegedUserIDs != "" {
		cfg.PrivilegedUserIDs = splitUserIDs(sec.PrivilegedUserIDs)
	}

	log.Info().Str("secret_name", cfg.CentralSecretName).Msg("Hydrated credentials from central secret")
	return nil
}

func splitUserIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
