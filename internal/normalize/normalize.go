// Package normalize maps heterogeneous raw log records onto the canonical
// NormalizedLogEntry schema. Normalize never fails: missing fields are
// inferred from the message text and any strategy failure degrades to a
// minimal generic entry.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/siemflux/internal/model"
)

// ErrEmptyRecord is returned by Validate for records with nothing to normalize
var ErrEmptyRecord = errors.New("raw log entry has no payload")

// Validate reports whether a raw entry carries any content at all
func Validate(raw model.RawLogEntry) error {
	if strings.TrimSpace(raw.Raw) != "" || len(raw.Structured) > 0 {
		return nil
	}
	if stringField(raw.Metadata, "message", "msg") != "" {
		return nil
	}
	return fmt.Errorf("%w: id=%q source=%q", ErrEmptyRecord, raw.ID, raw.Source)
}

// Normalize converts one raw entry into a normalized entry
func Normalize(raw model.RawLogEntry) (entry model.NormalizedLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			entry = minimal(raw)
		}
	}()

	switch raw.Source {
	case model.SourceSyslog:
		entry = fromSyslog(raw)
	case model.SourceDatabase:
		entry = fromDatabase(raw)
	case model.SourceWindowsEvent:
		entry = fromWindows(raw)
	default:
		entry = fromGeneric(raw)
	}
	finish(&entry, raw)
	return entry
}

// NormalizeAll normalizes a slice, dropping records rejected by Validate.
// The dropped records are returned as errors.
func NormalizeAll(raws []model.RawLogEntry) ([]model.NormalizedLogEntry, []error) {
	entries := make([]model.NormalizedLogEntry, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		if err := Validate(raw); err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, Normalize(raw))
	}
	return entries, errs
}

func base(raw model.RawLogEntry) model.NormalizedLogEntry {
	return model.NormalizedLogEntry{
		ID:            raw.ID,
		Source:        raw.Source,
		Timestamp:     raw.Timestamp,
		SourceIP:      raw.SourceIP,
		DestinationIP: raw.DestinationIP,
		User:          raw.User,
		EventType:     raw.EventType,
		Metadata:      copyMetadata(raw.Metadata),
	}
}

// fromSyslog extracts everything from the free-text line, preferring fields
// the collector already split out into metadata. The PRI severity stays in
// metadata; the entry severity comes from the message keywords.
func fromSyslog(raw model.RawLogEntry) model.NormalizedLogEntry {
	entry := base(raw)
	entry.Message = firstNonEmpty(stringField(raw.Metadata, "message"), strings.TrimSpace(raw.Raw))
	text := firstNonEmpty(strings.TrimSpace(raw.Raw), entry.Message)

	fillFromText(&entry, text)
	if p := stringField(raw.Metadata, "process"); p != "" {
		entry.Process = p
	}
	return entry
}

// fromDatabase passes through a pre-structured audit record
func fromDatabase(raw model.RawLogEntry) model.NormalizedLogEntry {
	entry := base(raw)
	fields := merged(raw.Structured, raw.Metadata)

	entry.Message = firstNonEmpty(stringField(fields, "message", "argument", "query"), strings.TrimSpace(raw.Raw))
	entry.User = firstNonEmpty(entry.User, stringField(fields, "user", "user_host"))
	entry.SourceIP = firstNonEmpty(entry.SourceIP, stringField(fields, "host", "client_ip", "source_ip"))
	entry.Command = stringField(fields, "query", "command_type")
	entry.Process = stringField(fields, "process")
	entry.Protocol = "sql"
	entry.EventType = firstNonEmpty(entry.EventType, stringField(fields, "event_type"), "database_event")
	entry.Severity = NormalizeSeverity(stringField(fields, "severity", "level"))
	entry.Tags = BuildTags(string(raw.Source), entry.Message, "database")

	fillFromText(&entry, entry.Message)
	return entry
}

// fromGeneric handles dataset-derived and unknown sources: explicit fields
// first, then regex extraction over the payload.
func fromGeneric(raw model.RawLogEntry) model.NormalizedLogEntry {
	entry := base(raw)
	fields := merged(raw.Structured, raw.Metadata)

	entry.Message = firstNonEmpty(stringField(fields, "message", "msg", "description"), strings.TrimSpace(raw.Raw))
	entry.SourceIP = firstNonEmpty(entry.SourceIP, stringField(fields, "source_ip", "src_ip"))
	entry.DestinationIP = firstNonEmpty(entry.DestinationIP, stringField(fields, "destination_ip", "dst_ip"))
	entry.User = firstNonEmpty(entry.User, stringField(fields, "user", "username", "account"))
	entry.Process = stringField(fields, "process", "process_name")
	entry.Command = stringField(fields, "command", "command_line")
	entry.FilePath = stringField(fields, "file_path", "path")
	entry.Protocol = strings.ToLower(stringField(fields, "protocol"))
	entry.Port = intField(fields, "port", "destination_port", "dst_port", "src_port")
	entry.StatusCode = intField(fields, "status_code", "status")
	entry.EventType = firstNonEmpty(entry.EventType, stringField(fields, "event_type"))
	entry.Severity = NormalizeSeverity(stringField(fields, "severity", "level"))

	fillFromText(&entry, firstNonEmpty(strings.TrimSpace(raw.Raw), entry.Message))
	return entry
}

// fillFromText derives any still-empty field from free text
func fillFromText(entry *model.NormalizedLogEntry, text string) {
	if entry.SourceIP == "" || entry.DestinationIP == "" {
		src, dst := ExtractIPs(text)
		if entry.SourceIP == "" {
			entry.SourceIP = src
			if entry.DestinationIP == "" {
				entry.DestinationIP = dst
			}
		} else if entry.DestinationIP == "" && dst != "" && dst != entry.SourceIP {
			entry.DestinationIP = dst
		}
	}
	if entry.User == "" {
		entry.User = ExtractUser(text)
	}
	if entry.Process == "" {
		entry.Process = ExtractProcess(text)
	}
	if entry.Command == "" {
		entry.Command = extractCommand(text)
	}
	if entry.FilePath == "" {
		entry.FilePath = extractFilePath(text)
	}
	if entry.Port == 0 {
		entry.Port = ExtractPort(text)
	}
	if entry.Protocol == "" {
		entry.Protocol = extractProtocol(text)
	}
	if entry.StatusCode == 0 {
		entry.StatusCode = extractStatusCode(text)
	}
}

// finish applies the defaults every strategy shares
func finish(entry *model.NormalizedLogEntry, raw model.RawLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Source == "" {
		entry.Source = model.SourceDataset
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(entry.Message) == "" {
		entry.Message = placeholderMessage(raw)
	}
	if entry.EventType == "" {
		entry.EventType = ClassifyEventType(entry.Message)
	}
	if entry.Severity == "" {
		entry.Severity = ClassifySeverity(entry.Message)
	}
	if entry.Tags == nil {
		entry.Tags = BuildTags(string(entry.Source), entry.Message)
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
}

// minimal is the last-resort entry used when a strategy panics
func minimal(raw model.RawLogEntry) model.NormalizedLogEntry {
	entry := model.NormalizedLogEntry{
		ID:        raw.ID,
		Source:    raw.Source,
		Timestamp: raw.Timestamp,
		Message:   strings.TrimSpace(raw.Raw),
		EventType: "general",
		Severity:  "low",
		Tags:      []string{},
		Metadata:  map[string]interface{}{"normalization": "degraded"},
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Source != "" {
		entry.Tags = []string{string(entry.Source)}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Message == "" {
		entry.Message = placeholderMessage(raw)
	}
	return entry
}

func placeholderMessage(raw model.RawLogEntry) string {
	if raw.Source == "" {
		return "unknown log entry"
	}
	return fmt.Sprintf("%s log entry", raw.Source)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func merged(maps ...map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, m := range maps {
		for k, v := range m {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
