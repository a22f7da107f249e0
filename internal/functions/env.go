package functions

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"t9/internal/domain"
	"t9/internal/irc"
)

// EnvInput is everything the exec environment is derived from.
type EnvInput struct {
	Msg        *irc.Message
	Func       string // trigger of the innermost frame, "" for a direct call
	Input      string
	Stack      []Frame
	Match      *RegexMatch
	Locale     string
	PythonUTF8 bool
	UserDB     map[string]string
}

// BuildEnv assembles the exec environment, without secrets.
func BuildEnv(in EnvInput) map[string]string {
	channel := ""
	if in.Msg.Command == "PRIVMSG" {
		channel = in.Msg.Param(0)
	}

	env := map[string]string{
		"LC_ALL":           in.Locale,
		"LANG":             in.Locale,
		"T9_FUNC":          in.Func,
		"T9_INPUT":         in.Input,
		"T9_NICK":          in.Msg.Sender.Nick,
		"T9_USER":          in.Msg.Sender.User,
		"T9_VHOST":         in.Msg.Sender.Host,
		"T9_CHANNEL":       channel,
		"T9_PROTO_LINE":    in.Msg.String(),
		"T9_PROTO_COMMAND": in.Msg.Command,
		"T9_PROTO_ARGS":    strings.Join(in.Msg.Params, " "),
	}
	if in.PythonUTF8 {
		env["PYTHONUTF8"] = "1"
		env["PYTHONIOENCODING"] = "utf-8:replace"
	}

	if m := in.Match; m != nil {
		env["T9_MATCH_0"] = m.Full
		for _, g := range m.Groups {
			env[fmt.Sprintf("T9_MATCH_%d", g.Number)] = g.Value
			if g.Name != "" {
				env["T9_MATCH_"+g.Name] = g.Value
			}
			for i, c := range g.Captures {
				env[fmt.Sprintf("T9_MATCH_%d_%d", g.Number, i)] = c
				if g.Name != "" {
					env[fmt.Sprintf("T9_MATCH_%s_%d", g.Name, i)] = c
				}
			}
		}
	}

	for i := 1; i < len(in.Stack); i++ {
		env[fmt.Sprintf("T9_STACK_%d_FUNC", i)] = in.Stack[i].Trigger
		env[fmt.Sprintf("T9_STACK_%d_DATA", i)] = in.Stack[i].Body
	}

	if len(in.UserDB) > 0 {
		var dsn []string
		manualDSN := false
		for _, k := range slices.Sorted(maps.Keys(in.UserDB)) {
			v := in.UserDB[k]
			env["T9_DB_"+strings.ToUpper(k)] = v
			if strings.ToLower(k) == "dsn" {
				manualDSN = true
				continue
			}
			dsn = append(dsn, strings.ToLower(k)+"="+v)
		}
		if !manualDSN {
			env["T9_DB_DSN"] = strings.Join(dsn, " ")
		}
	}
	return env
}

// AddSecrets copies valid secrets into env and returns the names of the
// stored entries that were skipped.
func AddSecrets(env map[string]string, secrets []domain.Secret) (skipped []string) {
	for _, s := range secrets {
		if !domain.ValidSecretName(s.Name) {
			skipped = append(skipped, s.Name)
			continue
		}
		env[s.Name] = s.Value
	}
	return skipped
}
