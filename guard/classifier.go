package guard

import (
	"regexp"
	"strings"
)

// ClassifierConfig carries the action-type sets and secret patterns, seeded
// from configuration. Zero values fall back to the built-in defaults.
type ClassifierConfig struct {
	ForbiddenActions []string
	DangerousActions []string
	ModerateActions  []string
	DefaultLevel     SafetyLevel

	SecretPatterns []RegexPattern
}

type RegexPattern struct {
	Name string `mapstructure:"name"`
	Re   string `mapstructure:"re"`
}

func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ForbiddenActions: []string{"signup", "payment", "purchase", "transfer_funds", "delete_account"},
		DangerousActions: []string{"exec_command", "send_email", "post_message"},
		ModerateActions:  []string{"write_file", "edit_file", "move_file", "delete_file"},
		DefaultLevel:     SafetySafe,
	}
}

// Classifier maps a requested action to a safety tier. Deterministic,
// side-effect free and total: unknown action types fall back to the
// configured default level.
type Classifier struct {
	forbidden map[string]bool
	dangerous map[string]bool
	moderate  map[string]bool
	fallback  SafetyLevel

	secretPatterns []namedRe
}

type namedRe struct {
	name string
	re   *regexp.Regexp
}

// Built-in credential shapes. Every pattern carries a length floor so short
// strings that merely resemble a prefix (sk-short) stay unflagged.
var builtinSecretPatterns = []namedRe{
	{name: "private_key_block", re: regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)},
	{name: "bearer_token", re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{16,}`)},
	{name: "openai_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{name: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{name: "aws_access_key_id", re: regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{name: "jwt_like", re: regexp.MustCompile(`\b[A-Za-z0-9_-]{16,}\.[A-Za-z0-9_-]{16,}\.[A-Za-z0-9_-]{16,}\b`)},
}

// destructiveCommandRes matches commands that delete recursively, escalate
// privileges, widen permissions, evaluate code, or pipe a remote download
// into a shell.
var destructiveCommandRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*f`),
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*f[a-z]*r`),
	regexp.MustCompile(`(?i)\brm\s+-r\b.*\s-f\b`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*[0-7]?777\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*\+[rwx]*w[rwx]*\s`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)\beval\s`),
	regexp.MustCompile(`(?i)\|\s*(ba|z|da|fi)?sh\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*\S*sh\b`),
}

// egressTools are remote copy/transfer/shell/listener programs. Matched on
// token boundaries so "mync" or "sshd.log" do not trip the check.
var egressTools = []string{
	"scp", "rsync", "sftp", "ftp",
	"nc", "ncat", "netcat", "socat",
	"ssh", "telnet",
}

// localLogicTools run arbitrary local logic; presence alone is dangerous,
// not forbidden.
var localLogicTools = []string{
	"python", "python3", "node", "ruby", "perl", "bash", "sh",
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	def := DefaultClassifierConfig()
	if len(cfg.ForbiddenActions) == 0 {
		cfg.ForbiddenActions = def.ForbiddenActions
	}
	if len(cfg.DangerousActions) == 0 {
		cfg.DangerousActions = def.DangerousActions
	}
	if len(cfg.ModerateActions) == 0 {
		cfg.ModerateActions = def.ModerateActions
	}
	if !cfg.DefaultLevel.Valid() {
		cfg.DefaultLevel = def.DefaultLevel
	}

	c := &Classifier{
		forbidden: toSet(cfg.ForbiddenActions),
		dangerous: toSet(cfg.DangerousActions),
		moderate:  toSet(cfg.ModerateActions),
		fallback:  cfg.DefaultLevel,
	}

	c.secretPatterns = append(c.secretPatterns, builtinSecretPatterns...)
	for _, p := range cfg.SecretPatterns {
		if strings.TrimSpace(p.Re) == "" {
			continue
		}
		re, err := regexp.Compile(p.Re)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = "custom"
		}
		c.secretPatterns = append(c.secretPatterns, namedRe{name: name, re: re})
	}
	return c
}

// Classify derives the authoritative safety tier for req. The caller's
// SafetyLevel hint is ignored. First match wins.
func (c *Classifier) Classify(req ActionRequest) SafetyLevel {
	actionType := strings.ToLower(strings.TrimSpace(req.ActionType))

	if c.forbidden[actionType] {
		return SafetyForbidden
	}
	if containsSignupPattern(req.Params) || containsPaymentPattern(req.Params) {
		return SafetyForbidden
	}

	cmd := commandParam(req.Params)
	if cmd != "" {
		if isDestructiveCommand(cmd) || isEgressCommand(cmd) {
			return SafetyForbidden
		}
	}

	if c.dangerous[actionType] {
		return SafetyDangerous
	}
	if cmd != "" && runsLocalLogic(cmd) {
		return SafetyDangerous
	}

	if c.moderate[actionType] {
		return SafetyModerate
	}
	return c.fallback
}

// SecretScan is the result of matching text against the credential shapes.
type SecretScan struct {
	Found           bool
	MatchedPatterns []string
}

// ContainsSecretPattern tests text against the configured credential
// regexps. Never panics on arbitrary input.
func (c *Classifier) ContainsSecretPattern(text string) SecretScan {
	if strings.TrimSpace(text) == "" {
		return SecretScan{}
	}
	var scan SecretScan
	for _, p := range c.secretPatterns {
		if p.re.MatchString(text) {
			scan.Found = true
			scan.MatchedPatterns = append(scan.MatchedPatterns, p.name)
		}
	}
	return scan
}

// RedactSecrets replaces every credential-shaped substring of text with a
// fixed placeholder. Used for audit summaries and notifications.
func (c *Classifier) RedactSecrets(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	for _, p := range c.secretPatterns {
		text = p.re.ReplaceAllString(text, "[redacted]")
	}
	return text
}

func containsSignupPattern(params map[string]any) bool {
	if len(params) == 0 {
		return false
	}
	keys := normalizedKeys(params)
	if keys["password"] && keys["email"] {
		return true
	}
	for k := range keys {
		switch {
		case strings.Contains(k, "confirmpassword"),
			strings.Contains(k, "signup"),
			strings.Contains(k, "register"):
			return true
		}
	}
	return false
}

var cardNumberRe = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)

func containsPaymentPattern(params map[string]any) bool {
	if len(params) == 0 {
		return false
	}
	keys := normalizedKeys(params)
	for k := range keys {
		switch {
		case strings.Contains(k, "cvv"), strings.Contains(k, "cvc"),
			strings.Contains(k, "cardnumber"), strings.Contains(k, "creditcard"),
			strings.Contains(k, "expiry"), strings.Contains(k, "iban"):
			return true
		}
	}
	for _, v := range params {
		if s, ok := v.(string); ok && cardNumberRe.MatchString(s) && digitCount(s) >= 13 {
			return true
		}
	}
	return false
}

func isDestructiveCommand(cmd string) bool {
	for _, re := range destructiveCommandRes {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func isEgressCommand(cmd string) bool {
	for _, tool := range egressTools {
		if containsTokenBoundary(cmd, tool) {
			return true
		}
	}
	return false
}

func runsLocalLogic(cmd string) bool {
	for _, tool := range localLogicTools {
		if containsTokenBoundary(cmd, tool) {
			return true
		}
	}
	return false
}

func commandParam(params map[string]any) string {
	if params == nil {
		return ""
	}
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// containsTokenBoundary reports whether needle appears in cmd as a whole
// token: delimited by whitespace, quotes, path separators or shell
// punctuation, so "mycurl" never matches "curl".
func containsTokenBoundary(cmd, needle string) bool {
	cmd = strings.ToLower(cmd)
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(cmd[i:], needle)
		if j < 0 {
			return false
		}
		j += i
		before := byte(' ')
		if j > 0 {
			before = cmd[j-1]
		}
		after := byte(' ')
		if end := j + len(needle); end < len(cmd) {
			after = cmd[end]
		}
		if isTokenBoundary(before) && isTokenBoundary(after) {
			return true
		}
		i = j + 1
	}
}

func isTokenBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '"', '\'', '/', ';', '|', '&', '<', '>', '(', ')', '=', ',':
		return true
	}
	return false
}

func normalizedKeys(params map[string]any) map[string]bool {
	out := make(map[string]bool, len(params))
	for k := range params {
		k = strings.ToLower(strings.TrimSpace(k))
		k = strings.ReplaceAll(strings.ReplaceAll(k, "-", ""), "_", "")
		out[k] = true
	}
	return out
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out[it] = true
		}
	}
	return out
}
