package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ipPattern     = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	portPattern   = regexp.MustCompile(`(?:\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}|\blocalhost|\]):(\d{1,5})\b`)
	portKeyword   = regexp.MustCompile(`(?i)\b(?:port|dpt|spt)[ =:]\s*(\d{1,5})\b`)
	statusPattern = regexp.MustCompile(`(?i)\b(?:status|code)[ =:]\s*(\d{3})\b`)
	commandQuoted = regexp.MustCompile(`(?i)\b(?:commandline|cmdline|command)[:=]\s*"([^"]+)"`)
	filePattern   = regexp.MustCompile(`(?i)\b(?:file|filename|path)[:=]\s*("[^"]+"|[^\s,;]+)`)
	sshUser       = regexp.MustCompile(`\bfor (?:invalid user )?([A-Za-z0-9._$-]+) from\b`)

	// Checked in order; the first pattern with a match wins.
	userPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:User|Account|Username)[:=]\s*([^\s,;]+)`),
		regexp.MustCompile(`(?i)\b(?:user|uid)[:=]\s*([^\s,;]+)`),
		regexp.MustCompile(`(?i)\b(?:login|auth|user)[:=]\s*([^\s,;]+)`),
	}

	processPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:Process|ProcessName)[:=]\s*([^\s,;]+)`),
		regexp.MustCompile(`(?i)\b(?:process|cmd|command)[:=]\s*([^\s,;]+)`),
	}
)

type keywordRule struct {
	name     string
	keywords []string
}

// Event types, first match wins.
var eventTypeRules = []keywordRule{
	{"authentication", []string{"login", "auth", "logon", "signin"}},
	{"network", []string{"connection", "network", "tcp", "udp"}},
	{"filesystem", []string{"file", "directory", "folder", "path"}},
	{"process", []string{"process", "execution", "command"}},
	{"security", []string{"security", "alert", "threat", "malware"}},
}

// Severity tiers, most severe first.
var severityRules = []keywordRule{
	{"critical", []string{"critical", "fatal", "emergency", "panic"}},
	{"high", []string{"error", "fail", "alert", "attack", "breach"}},
	{"medium", []string{"warning", "warn", "suspicious", "anomaly"}},
}

// Content tags; every rule with a hit contributes its tag.
var tagRules = []keywordRule{
	{"authentication", []string{"login", "auth", "password", "credential"}},
	{"network", []string{"connection", "tcp", "udp", "http", "https"}},
	{"security", []string{"security", "threat", "malware", "virus", "attack"}},
	{"filesystem", []string{"file", "directory", "folder", "disk"}},
	{"process", []string{"process", "execution", "command", "service"}},
	{"database", []string{"sql", "database", "query", "table"}},
	{"web", []string{"http", "web", "browser", "url", "request"}},
}

var protocols = []string{"https", "http", "tcp", "udp", "icmp", "ssh", "dns", "smb", "rdp", "ftp"}

// ExtractIPs returns up to the first two IPv4 addresses found in text
func ExtractIPs(text string) (string, string) {
	matches := ipPattern.FindAllString(text, 2)
	var src, dst string
	if len(matches) > 0 {
		src = matches[0]
	}
	if len(matches) > 1 {
		dst = matches[1]
	}
	return src, dst
}

// ExtractUser returns the first user captured across the user key patterns
func ExtractUser(text string) string {
	for _, p := range userPatterns {
		if m := p.FindStringSubmatch(text); len(m) > 1 {
			return trimValue(m[1])
		}
	}
	if m := sshUser.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

// ExtractProcess returns the first process captured across the process key patterns
func ExtractProcess(text string) string {
	for _, p := range processPatterns {
		if m := p.FindStringSubmatch(text); len(m) > 1 {
			return trimValue(m[1])
		}
	}
	return ""
}

// ExtractPort returns a port number attached to an address or a port keyword, or 0
func ExtractPort(text string) int {
	for _, p := range []*regexp.Regexp{portPattern, portKeyword} {
		if m := p.FindStringSubmatch(text); len(m) > 1 {
			if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port <= 65535 {
				return port
			}
		}
	}
	return 0
}

func extractCommand(text string) string {
	if m := commandQuoted.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

func extractFilePath(text string) string {
	if m := filePattern.FindStringSubmatch(text); len(m) > 1 {
		return trimValue(m[1])
	}
	return ""
}

func extractStatusCode(text string) int {
	if m := statusPattern.FindStringSubmatch(text); len(m) > 1 {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

func extractProtocol(text string) string {
	lower := strings.ToLower(text)
	for _, proto := range protocols {
		if containsWord(lower, proto) {
			return proto
		}
	}
	return ""
}

// ClassifyEventType maps a message to an event category, defaulting to "general"
func ClassifyEventType(message string) string {
	if name := firstMatch(eventTypeRules, message); name != "" {
		return name
	}
	return "general"
}

// ClassifySeverity maps a message to a severity tier, defaulting to "low"
func ClassifySeverity(message string) string {
	if name := firstMatch(severityRules, message); name != "" {
		return name
	}
	return "low"
}

// BuildTags returns the deduplicated tag set for a message from the given source
func BuildTags(source, message string, extra ...string) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	add(source)
	for _, tag := range extra {
		add(tag)
	}

	lower := strings.ToLower(message)
	for _, rule := range tagRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				add(rule.name)
				break
			}
		}
	}
	if tags == nil {
		tags = []string{}
	}
	return tags
}

// NormalizeSeverity maps an explicit severity label onto low/medium/high/critical.
// Unknown labels return "".
func NormalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical", "crit", "fatal", "emergency", "emerg", "panic":
		return "critical"
	case "high", "error", "err", "alert":
		return "high"
	case "medium", "warning", "warn", "notice":
		return "medium"
	case "low", "info", "information", "informational", "verbose", "debug":
		return "low"
	}
	return ""
}

func firstMatch(rules []keywordRule, message string) string {
	lower := strings.ToLower(message)
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.name
			}
		}
	}
	return ""
}

func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isAlnum(lower[start-1])) && (end == len(lower) || !isAlnum(lower[end])) {
			return true
		}
		idx = end
	}
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func trimValue(v string) string {
	return strings.Trim(v, `"'()[]`)
}

// stringField returns the first non-empty string value among keys
func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64:
			s = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			s = fmt.Sprint(val)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// intField returns the first positive integer value among keys
func intField(m map[string]interface{}, keys ...string) int {
	for _, k := range keys {
		switch val := m[k].(type) {
		case int:
			if val > 0 {
				return val
			}
		case int64:
			if val > 0 {
				return int(val)
			}
		case float64:
			if val > 0 {
				return int(val)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
