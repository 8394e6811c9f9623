package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/siemflux/internal/model"
)

type mapper func(r row) (model.RawLogEntry, error)

var mappers = map[Format]mapper{
	FormatCICIDS2017:      mapCICIDS2017,
	FormatUNSWNB15:        mapUNSWNB15,
	FormatWindowsSecurity: mapWindowsSecurity,
	FormatFirewall:        mapFirewall,
	FormatAndroidMalware:  mapAndroidMalware,
	FormatGeneric:         mapGeneric,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"02/01/2006 15:04",
	"1/2/2006 15:04",
	"2006-01-02",
}

// row is one CSV record keyed by normalized column names
type row map[string]string

func newRow(columns, record []string) row {
	r := make(row, len(columns))
	for i, c := range columns {
		if i < len(record) {
			r[c] = strings.TrimSpace(record[i])
		}
	}
	return r
}

// get returns the first non-empty value among keys
func (r row) get(keys ...string) string {
	for _, k := range keys {
		if v := r[k]; v != "" {
			return v
		}
	}
	return ""
}

func (r row) getOr(def string, keys ...string) string {
	if v := r.get(keys...); v != "" {
		return v
	}
	return def
}

func (r row) number(keys ...string) int {
	v := r.get(keys...)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return 0
}

func (r row) timestamp(keys ...string) time.Time {
	v := r.get(keys...)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// metadata copies the named columns that are present
func (r row) metadata(dataset string, keys ...string) map[string]interface{} {
	md := map[string]interface{}{"dataset": dataset}
	for _, k := range keys {
		if v, ok := r[k]; ok && v != "" {
			md[k] = v
		}
	}
	return md
}

func entry(ts time.Time, message string, fields map[string]interface{}, md map[string]interface{}) model.RawLogEntry {
	structured := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if n, ok := v.(int); ok && n == 0 {
			continue
		}
		structured[k] = v
	}
	structured["message"] = message

	e := model.RawLogEntry{
		ID:         uuid.NewString(),
		Source:     model.SourceDataset,
		Timestamp:  ts,
		Raw:        message,
		Structured: structured,
		Metadata:   md,
	}
	e.SourceIP, _ = structured["source_ip"].(string)
	e.DestinationIP, _ = structured["destination_ip"].(string)
	e.User, _ = structured["user"].(string)
	e.EventType, _ = structured["event_type"].(string)
	return e
}

// LabelSeverity maps a flow label: BENIGN is low, anything else high
func LabelSeverity(label string) string {
	if label == "" || strings.EqualFold(label, "BENIGN") {
		return model.SeverityLow
	}
	return model.SeverityHigh
}

// AttackCategorySeverity maps a UNSW-NB15 attack category onto a severity tier
func AttackCategorySeverity(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "dos", "exploits", "backdoor", "backdoors", "rootkit":
		return model.SeverityCritical
	case "reconnaissance", "fuzzers", "analysis":
		return model.SeverityMedium
	case "", "normal":
		return model.SeverityLow
	}
	return model.SeverityHigh
}

// SyslogSeverity maps a numeric syslog severity (0 emergency .. 7 debug)
func SyslogSeverity(level int) string {
	switch {
	case level <= 2:
		return model.SeverityCritical
	case level <= 4:
		return model.SeverityHigh
	case level == 5:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// WindowsSeverity maps an event log level name
func WindowsSeverity(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "information", "info":
		return model.SeverityLow
	case "error":
		return model.SeverityHigh
	case "critical":
		return model.SeverityCritical
	}
	return model.SeverityMedium
}

// ThreatLevelSeverity maps a malware threat level, defaulting to medium
func ThreatLevelSeverity(level string) string {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		return s
	}
	return model.SeverityMedium
}

func mapCICIDS2017(r row) (model.RawLogEntry, error) {
	src := r.get("src_ip", "source_ip")
	dst := r.get("dst_ip", "destination_ip")
	if src == "" && dst == "" {
		return model.RawLogEntry{}, errors.New("flow row has no addresses")
	}
	srcPort := r.get("src_port", "source_port")
	dstPort := r.get("dst_port", "destination_port")
	label := r.getOr("BENIGN", "label")

	message := fmt.Sprintf("Network flow: %s:%s -> %s:%s", src, srcPort, dst, dstPort)
	if !strings.EqualFold(label, "BENIGN") {
		message += " label=" + label
	}
	return entry(r.timestamp("timestamp"), message,
		map[string]interface{}{
			"event_type":     "network_traffic",
			"source_ip":      src,
			"destination_ip": dst,
			"port":           r.number("dst_port", "destination_port"),
			"protocol":       r.get("protocol"),
			"severity":       LabelSeverity(label),
		},
		r.metadata("CICIDS2017", "flow_duration", "total_fwd_packets", "total_backward_packets",
			"total_bwd_packets", "flow_bytes/s", "flow_bytes_per_sec", "packet_length_mean", "label"),
	), nil
}

func mapUNSWNB15(r row) (model.RawLogEntry, error) {
	category := r.getOr("Normal", "attack_cat")
	proto := r.getOr("unknown", "proto")
	service := r.getOr("unknown", "service")

	message := fmt.Sprintf("Network connection: %s service=%s state=%s", proto, service, r.getOr("unknown", "state"))
	if !strings.EqualFold(category, "normal") {
		message += " attack_cat=" + category
	}
	return entry(r.timestamp("stime", "timestamp"), message,
		map[string]interface{}{
			"event_type":     "network_attack",
			"source_ip":      r.get("srcip", "src_ip"),
			"destination_ip": r.get("dstip", "dst_ip"),
			"port":           r.number("dsport", "dst_port"),
			"protocol":       proto,
			"severity":       AttackCategorySeverity(category),
		},
		r.metadata("UNSW-NB15", "dur", "spkts", "dpkts", "sbytes", "dbytes", "attack_cat", "label"),
	), nil
}

func mapWindowsSecurity(r row) (model.RawLogEntry, error) {
	eventID := r.get("eventid", "event_id")
	if eventID == "" {
		return model.RawLogEntry{}, errors.New("windows row has no EventID")
	}
	md := r.metadata("Windows Security", "computer", "account_domain", "logon_type", "process_id", "security_id")
	md["event_id"] = eventID

	return entry(r.timestamp("timegenerated", "timestamp"),
		fmt.Sprintf("EventID %s: %s", eventID, r.getOr("Windows security event", "event_description", "message")),
		map[string]interface{}{
			"event_type": "windows_event_" + eventID,
			"user":       r.get("account_name", "user"),
			"source_ip":  r.get("source_network_address", "source_ip"),
			"process":    r.get("process_name"),
			"severity":   WindowsSeverity(r.getOr("Information", "severity", "level")),
		},
		md,
	), nil
}

func mapFirewall(r row) (model.RawLogEntry, error) {
	level := 6
	if v := r.get("severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.RawLogEntry{}, fmt.Errorf("firewall severity %q is not numeric", v)
		}
		level = n
	}
	md := r.metadata("Firewall", "hostname", "process", "action", "rule_id", "bytes_in", "bytes_out",
		"session_id", "interface", "zone_src", "zone_dst", "threat_type", "signature_id")
	md["facility"] = r.getOr("16", "facility")

	return entry(r.timestamp("timestamp"),
		fmt.Sprintf("Firewall %s: %s", r.getOr("UNKNOWN", "action"), r.getOr("Firewall event", "message")),
		map[string]interface{}{
			"event_type":     "firewall_event",
			"source_ip":      r.get("src_ip", "source_ip"),
			"destination_ip": r.get("dst_ip", "destination_ip"),
			"port":           r.number("dst_port", "src_port"),
			"protocol":       r.get("protocol"),
			"process":        r.get("process"),
			"severity":       SyslogSeverity(level),
		},
		md,
	), nil
}

func mapAndroidMalware(r row) (model.RawLogEntry, error) {
	pkg := r.get("package_name")
	return entry(r.timestamp("detection_date"),
		fmt.Sprintf("Malware detected: %s - %s", r.getOr("Unknown", "app_name"), r.getOr("Unknown", "malware_family")),
		map[string]interface{}{
			"event_type": "malware_detection",
			"file_path":  pkg,
			"severity":   ThreatLevelSeverity(r.get("threat_level")),
		},
		r.metadata("Android Malware", "package_name", "app_name", "version_name", "md5_hash", "sha256_hash",
			"malware_family", "threat_level", "classification"),
	), nil
}

// mapGeneric keeps every column and uses a message-like column, or the
// whole row, as the payload
func mapGeneric(r row) (model.RawLogEntry, error) {
	message := r.get("message", "msg", "raw", "description", "log")
	if message == "" {
		parts := make([]string, 0, len(r))
		for _, k := range sortedKeys(r) {
			if r[k] != "" {
				parts = append(parts, k+"="+r[k])
			}
		}
		message = strings.Join(parts, " ")
	}
	if message == "" {
		return model.RawLogEntry{}, errors.New("empty row")
	}

	fields := make(map[string]interface{}, len(r))
	for k, v := range r {
		fields[k] = v
	}
	return entry(r.timestamp("timestamp", "time", "date"), message, fields, map[string]interface{}{"dataset": "generic"}), nil
}

func sortedKeys(r row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
