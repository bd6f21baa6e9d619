package llm

import (
	"context"
	"fmt"
	"strings"

	"copilot-gateway/internal/catalog"
	"copilot-gateway/internal/config"

	"go.uber.org/zap"
)

// Commands detects and answers in-chat commands embedded in request
// content, without calling upstream.
type Commands struct {
	cfg     *config.AppConfig
	mapping *ModelMapping
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewCommands builds the interpreter.
func NewCommands(cfg *config.AppConfig, mapping *ModelMapping, cat *catalog.Catalog, logger *zap.Logger) *Commands {
	return &Commands{cfg: cfg, mapping: mapping, catalog: cat, logger: logger}
}

// Detect checks whether text triggers an in-chat command. The remainder
// after the trigger is split on whitespace; each argument is stripped of
// surrounding brackets.
func (c *Commands) Detect(text string) (cmd string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	for _, trigger := range c.cfg.CommandTriggers {
		if trigger == "" || !strings.HasPrefix(text, trigger) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(text, trigger))
		if len(fields) == 0 {
			return "", nil, false
		}
		for i, f := range fields {
			fields[i] = strings.TrimSuffix(strings.TrimPrefix(f, "["), "]")
		}
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// Execute renders the reply for a detected command. profileID and token
// describe the caller's resolved credentials; either may be empty.
func (c *Commands) Execute(ctx context.Context, cmd string, args []string, profileID, token string) string {
	switch strings.TrimLeft(cmd, "-") {
	case "help":
		return c.helpText()
	case "models":
		return c.modelsText(profileID, token)
	case "set-model":
		if len(args) < 2 {
			return "Usage: set-model <inbound-name> <upstream-model>"
		}
		c.mapping.SetOverride(args[0], args[1])
		return fmt.Sprintf("Mapped %q to %q for this session.", args[0], args[1])
	case "reset-models":
		c.mapping.ResetOverrides()
		return "Session model overrides cleared."
	case "config":
		return c.configText(args)
	}
	return fmt.Sprintf("Unknown in-chat command %q. Try %shelp.", cmd, c.primaryTrigger())
}

func (c *Commands) primaryTrigger() string {
	if len(c.cfg.CommandTriggers) > 0 {
		return c.cfg.CommandTriggers[0]
	}
	return "::"
}

func (c *Commands) helpText() string {
	t := c.primaryTrigger()
	var b strings.Builder
	b.WriteString("In-chat commands (trigger: " + strings.Join(c.cfg.CommandTriggers, ", ") + ")\n\n")
	fmt.Fprintf(&b, "  %shelp                      show this text\n", t)
	fmt.Fprintf(&b, "  %smodels                    list models usable by the active profile\n", t)
	fmt.Fprintf(&b, "  %sset-model <in> <out>      map an inbound model name to an upstream id\n", t)
	fmt.Fprintf(&b, "  %sreset-models              clear session model mappings\n", t)
	fmt.Fprintf(&b, "  %sconfig [set <key> <val>]  show or change configuration\n", t)
	return b.String()
}

func (c *Commands) modelsText(profileID, token string) string {
	if token == "" {
		return "No token available. Run the login flow first, or send a Copilot credential in the Authorization header."
	}

	var entry *catalog.View
	if profileID != "" {
		entry = c.catalog.GetEntry(profileID)
	}
	if entry == nil || len(entry.Models) == 0 {
		return "Model catalog is empty. It fills on the next request or scheduled refresh."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Models for %s (%s, age %dms):\n", profileID, entry.Status, entry.AgeMS)
	for _, m := range entry.Models {
		if strings.EqualFold(m, c.cfg.Model.Default) {
			fmt.Fprintf(&b, "  ▶ %s\n", m)
		} else {
			fmt.Fprintf(&b, "    %s\n", m)
		}
	}
	if overrides := c.mapping.Overrides(); len(overrides) > 0 {
		b.WriteString("\nSession overrides:\n")
		for _, o := range overrides {
			fmt.Fprintf(&b, "    %s -> %s\n", o[0], o[1])
		}
	}
	return b.String()
}

func (c *Commands) configText(args []string) string {
	switch {
	case len(args) == 0:
		var b strings.Builder
		b.WriteString("Configuration:\n")
		for _, key := range config.SettableKeys() {
			v, _ := c.cfg.Get(key)
			fmt.Fprintf(&b, "    %s = %s\n", key, v)
		}
		return b.String()
	case args[0] == "set":
		if len(args) < 3 {
			return "Usage: config set <key> <value>"
		}
		if err := c.cfg.Set(args[1], args[2]); err != nil {
			return "Error: " + err.Error()
		}
		return fmt.Sprintf("Set %s = %s", args[1], args[2])
	default:
		if v, ok := c.cfg.Get(args[0]); ok {
			return fmt.Sprintf("%s = %s", args[0], v)
		}
		return fmt.Sprintf("Unknown config key %q.", args[0])
	}
}
