package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"t9/internal/domain"
)

const (
	secretSetUsage    = "$secret set <ENV_VAR> <value>"
	secretDeleteUsage = "$secret delete <ENV_VAR>"
	secretNameRules   = "Environment variable name must 1) be 4-32 characters 2) only contain letters, numbers, and underscores 3) start with a letter 4) not start with T9_"
)

var secretUsage = fmt.Sprintf("Usage: %s | %s | $secret list | $help for docs", secretSetUsage, secretDeleteUsage)

// cmdSecret manages the sender's secrets in PM.
func (s *Session) cmdSecret(ctx context.Context, c *command) error {
	if s.store == nil {
		s.logger.Error("database required for $secret")
		c.Reply.Respond("A database is required for $secret")
		return nil
	}
	args := splitWords(c.args, 3)
	if len(args) == 0 {
		c.Reply.Respond(secretUsage)
		return nil
	}

	switch args[0] {
	case "set":
		if len(args) < 3 {
			c.Reply.Respond("Missing parameter, usage: " + secretSetUsage)
			return nil
		}
		if !domain.ValidSecretName(args[1]) {
			c.Reply.Respond(secretNameRules)
			return nil
		}
		s.logger.Info("setting secret value", "owner", c.nick())
		if err := s.store.SetSecret(ctx, domain.Secret{Owner: c.nick(), Name: args[1], Value: args[2]}); err != nil {
			return fmt.Errorf("set secret: %w", err)
		}
		c.Reply.Respond("Set secret value")

	case "delete", "del", "rm":
		if len(args) < 2 {
			c.Reply.Respond("Missing parameter, usage: " + secretDeleteUsage)
			return nil
		}
		s.logger.Info("deleting secret value", "owner", c.nick())
		n, err := s.store.DeleteSecret(ctx, c.nick(), args[1])
		if err != nil {
			return fmt.Errorf("delete secret: %w", err)
		}
		if n == 0 {
			c.Reply.Respond("You do not have a secret with that name")
			return nil
		}
		c.Reply.Respond("Deleted secret")

	case "list", "ls":
		secrets, err := s.store.ListSecrets(ctx, c.nick())
		if err != nil {
			return fmt.Errorf("list secrets: %w", err)
		}
		names := make([]string, len(secrets))
		for i, sec := range secrets {
			names[i] = sec.Name
		}
		c.Reply.Respond("Your secret env vars: " + strings.Join(names, ", "))

	default:
		c.Reply.Respond(secretUsage)
	}
	return nil
}

// splitWords splits on runs of whitespace into at most n words; the last
// word keeps the remainder of s, inner whitespace included.
func splitWords(s string, n int) []string {
	var out []string
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	for s != "" {
		if len(out) == n-1 {
			out = append(out, strings.TrimRightFunc(s, unicode.IsSpace))
			break
		}
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return out
}
