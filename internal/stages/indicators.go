package stages

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sgerhart/siemflux/internal/model"
)

// Indicators are the static threat-intel lookups consulted before the
// threat-intel inference call
type Indicators struct {
	MaliciousIPs        []string            `yaml:"malicious_ips"`
	SuspiciousProcesses []string            `yaml:"suspicious_processes"`
	MalwareSignatures   []string            `yaml:"malware_signatures"`
	AttackPatterns      map[string][]string `yaml:"attack_patterns"`
	SuspiciousPorts     []int               `yaml:"suspicious_ports"`
	FileExtensions      []string            `yaml:"file_extensions"`
}

// DefaultIndicators returns the built-in indicator set
func DefaultIndicators() Indicators {
	return Indicators{
		MaliciousIPs: []string{"192.168.1.100", "10.0.0.50", "172.16.1.200", "185.220.100.240", "198.51.100.1"},
		SuspiciousProcesses: []string{
			"powershell.exe", "cmd.exe", "wscript.exe", "cscript.exe",
			"regsvr32.exe", "rundll32.exe", "certutil.exe",
		},
		MalwareSignatures: []string{"mimikatz", "cobalt strike", "metasploit", "empire", "bloodhound", "sharphound", "rubeus"},
		AttackPatterns: map[string][]string{
			"lateral_movement":     {"psexec", "wmi", "rdp", "ssh"},
			"privilege_escalation": {"uac bypass", "token impersonation"},
			"persistence":          {"scheduled task", "registry run key", "service"},
			"exfiltration":         {"ftp", "http post", "dns tunneling"},
		},
		SuspiciousPorts: []int{4444, 8080, 1337, 31337, 6666},
		FileExtensions:  []string{".exe", ".scr", ".bat", ".ps1", ".vbs"},
	}
}

// Match returns "category:value" strings for every indicator the entry hits.
// Categories appear in a fixed order so the result is deterministic.
func (ind Indicators) Match(entry model.NormalizedLogEntry) []string {
	var matches []string
	message := strings.ToLower(entry.Message)

	for _, ip := range ind.MaliciousIPs {
		if ip == entry.SourceIP || ip == entry.DestinationIP {
			matches = append(matches, "malicious_ip:"+ip)
		}
	}

	process := strings.ToLower(filepath.Base(strings.ReplaceAll(entry.Process, `\`, "/")))
	for _, p := range ind.SuspiciousProcesses {
		if process == p || strings.Contains(message, p) {
			matches = append(matches, "suspicious_process:"+p)
		}
	}

	for _, sig := range ind.MalwareSignatures {
		if strings.Contains(message, sig) || strings.Contains(strings.ToLower(entry.Command), sig) {
			matches = append(matches, "malware_signature:"+sig)
		}
	}

	categories := make([]string, 0, len(ind.AttackPatterns))
	for category := range ind.AttackPatterns {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		for _, kw := range ind.AttackPatterns[category] {
			if strings.Contains(message, kw) {
				matches = append(matches, fmt.Sprintf("attack_pattern:%s:%s", category, kw))
				break
			}
		}
	}

	for _, port := range ind.SuspiciousPorts {
		if entry.Port == port {
			matches = append(matches, fmt.Sprintf("suspicious_port:%d", port))
		}
	}

	haystack := strings.ToLower(entry.FilePath + " " + entry.Command)
	for _, ext := range ind.FileExtensions {
		if hasExtension(haystack, ext) {
			matches = append(matches, "suspicious_extension:"+ext)
		}
	}

	return matches
}

func hasExtension(haystack, ext string) bool {
	for _, token := range strings.Fields(haystack) {
		if strings.HasSuffix(strings.Trim(token, `"'`), ext) {
			return true
		}
	}
	return false
}

// Asset describes a known host
type Asset struct {
	Type        string `yaml:"type" json:"type"`
	Criticality string `yaml:"criticality" json:"criticality"`
	Department  string `yaml:"department" json:"department"`
}

// UserProfile describes a known account
type UserProfile struct {
	Role       string `yaml:"role" json:"role"`
	RiskLevel  string `yaml:"risk_level" json:"risk_level"`
	Department string `yaml:"department" json:"department"`
	Privileged bool   `yaml:"privileged" json:"privileged"`
}

// DefaultAssets returns the built-in asset inventory keyed by IP
func DefaultAssets() map[string]Asset {
	return map[string]Asset{
		"192.168.1.10":  {Type: "domain_controller", Criticality: "critical", Department: "IT"},
		"192.168.1.20":  {Type: "file_server", Criticality: "high", Department: "Finance"},
		"192.168.1.30":  {Type: "web_server", Criticality: "high", Department: "Marketing"},
		"192.168.1.100": {Type: "workstation", Criticality: "medium", Department: "HR"},
		"192.168.1.200": {Type: "database_server", Criticality: "critical", Department: "Finance"},
		"10.0.0.50":     {Type: "backup_server", Criticality: "high", Department: "IT"},
	}
}

// DefaultUsers returns the built-in user directory keyed by account name
func DefaultUsers() map[string]UserProfile {
	return map[string]UserProfile{
		"admin":           {Role: "administrator", RiskLevel: "high", Department: "IT", Privileged: true},
		"jdoe":            {Role: "analyst", RiskLevel: "medium", Department: "Finance"},
		"msmith":          {Role: "manager", RiskLevel: "medium", Department: "HR"},
		"service_account": {Role: "service", RiskLevel: "low", Department: "IT", Privileged: true},
		"guest":           {Role: "guest", RiskLevel: "high", Department: "Unknown"},
	}
}
