package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sgerhart/siemflux/internal/model"
)

var windowsEventDescriptions = map[string]string{
	"4624": "Successful logon",
	"4625": "Failed logon attempt",
	"4634": "Account logoff",
	"4648": "Logon with explicit credentials",
	"4672": "Special privileges assigned to new logon",
	"4720": "User account created",
	"4726": "User account deleted",
	"4740": "User account locked out",
	"4767": "User account unlocked",
	"1102": "Audit log cleared",
	"7045": "Service installed",
	"4688": "Process created",
	"4689": "Process terminated",
}

var windowsLevels = map[string]string{
	"critical":    "critical",
	"error":       "high",
	"warning":     "medium",
	"information": "low",
	"verbose":     "low",
}

// fromWindows unpacks a structured Windows event. The payload is taken from
// Structured, or decoded from Raw when it holds a JSON object.
func fromWindows(raw model.RawLogEntry) model.NormalizedLogEntry {
	fields := raw.Structured
	if len(fields) == 0 {
		fields = map[string]interface{}{}
		if err := json.Unmarshal([]byte(raw.Raw), &fields); err != nil {
			// Not JSON: treat it as text.
			return fromGeneric(raw)
		}
	}
	fields = merged(fields, raw.Metadata)

	entry := base(raw)
	eventID := stringField(fields, "EventID", "event_id", "EventCode")
	logType := strings.ToLower(firstNonEmpty(stringField(fields, "LogType", "Channel", "log_type"), "security"))
	level := firstNonEmpty(stringField(fields, "Level", "LevelDisplayName", "level"), "Information")

	description := windowsEventDescriptions[eventID]
	message := stringField(fields, "Message", "message")
	switch {
	case message == "" && description != "":
		message = description
	case message == "" && eventID != "":
		message = fmt.Sprintf("Windows event %s", eventID)
	case message != "" && description != "" && !strings.Contains(message, description):
		message = description + ": " + message
	}
	entry.Message = message

	entry.User = firstNonEmpty(entry.User, stringField(fields, "TargetUserName", "SubjectUserName", "Account", "AccountName", "user"))
	entry.SourceIP = firstNonEmpty(entry.SourceIP, stringField(fields, "IpAddress", "SourceAddress", "source_ip"))
	entry.Process = stringField(fields, "ProcessName", "NewProcessName", "process")
	entry.Command = stringField(fields, "CommandLine", "command_line")
	entry.Port = intField(fields, "IpPort", "port")
	if entry.SourceIP == "-" {
		entry.SourceIP = ""
	}

	if eventID != "" {
		entry.EventType = firstNonEmpty(entry.EventType, fmt.Sprintf("windows_%s_%s", logType, eventID))
	}
	entry.Severity = windowsLevels[strings.ToLower(level)]
	if entry.Severity == "" {
		entry.Severity = NormalizeSeverity(level)
	}

	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	entry.Metadata["event_id"] = eventID
	entry.Metadata["log_type"] = logType
	if computer := stringField(fields, "Computer", "computer"); computer != "" {
		entry.Metadata["computer"] = computer
	}

	entry.Tags = BuildTags(string(raw.Source), entry.Message,
		"windows_event", logType, "level_"+strings.ToLower(level))

	fillFromText(&entry, entry.Message)
	return entry
}
