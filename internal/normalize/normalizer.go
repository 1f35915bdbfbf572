package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/argus-sec/argus/backend/internal/models"
)

// NormalizationError reports a malformed raw record. It is recorded and
// counted by the caller but never fatal to the stream.
type NormalizationError struct {
	Reason   string `json:"reason"`
	Fragment string `json:"offending_fragment"`
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s (fragment %q)", e.Reason, e.Fragment)
}

func badInput(reason string, raw []byte) *NormalizationError {
	frag := string(raw)
	if len(frag) > 80 {
		frag = frag[:80] + "..."
	}
	return &NormalizationError{Reason: reason, Fragment: frag}
}

// Normalizer converts heterogeneous raw records into canonical events.
// It is stateless and safe for concurrent use; identical input always
// yields a structurally equal event (id and server timestamp excluded).
type Normalizer struct {
	schema *jsonschema.Schema
}

// New builds a normalizer. When schemaPath is non-empty, pushed JSON
// records are validated against the compiled schema before any field is
// trusted.
func New(schemaPath string) (*Normalizer, error) {
	n := &Normalizer{}
	if schemaPath == "" {
		return n, nil
	}

	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read event schema %s: %w", schemaPath, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("event.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}

	n.schema = schema
	return n, nil
}

// Normalize converts one raw record into a canonical event according to
// its source kind. The returned event carries no ID and no server
// timestamp; the store stamps both on append.
func (n *Normalizer) Normalize(raw []byte, kind models.SourceKind) (*models.Event, *NormalizationError) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, badInput("empty input", raw)
	}

	switch kind {
	case models.SourceLog:
		if looksLikeJSON(raw) {
			return n.normalizeJSON(raw, kind)
		}
		return n.normalizeSyslog(raw)
	case models.SourceScan:
		return n.normalizeJSON(raw, kind)
	case models.SourceNetwork:
		return n.normalizeTuple(raw)
	default:
		return nil, badInput("unknown source kind "+string(kind), raw)
	}
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

type jsonRecord struct {
	Device    string             `json:"device"`
	Metric    string             `json:"metric"`
	Message   string             `json:"message"`
	Severity  string             `json:"severity"`
	Timestamp string             `json:"timestamp"`
	Tags      []string           `json:"tags"`
	Features  map[string]float64 `json:"features"`
}

func (n *Normalizer) normalizeJSON(raw []byte, kind models.SourceKind) (*models.Event, *NormalizationError) {
	if n.schema != nil {
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, badInput("invalid JSON: "+err.Error(), raw)
		}
		if err := n.schema.Validate(doc); err != nil {
			return nil, badInput("schema violation: "+err.Error(), raw)
		}
	}

	var rec jsonRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, badInput("invalid JSON: "+err.Error(), raw)
	}
	if rec.Device == "" {
		return nil, badInput("missing device", raw)
	}

	severity := models.Severity(rec.Severity)
	if !severity.Valid() {
		severity = models.SeverityLow
	}

	event := &models.Event{
		Source:     kind,
		StreamKey:  streamKey(rec.Device, rec.Metric),
		RawPayload: string(raw),
		Features:   models.FeatureMap{},
		Tags:       models.StringList(rec.Tags),
		Severity:   severity,
	}
	for k, v := range rec.Features {
		event.Features[k] = v
	}
	if rec.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			return nil, badInput("invalid timestamp: "+err.Error(), raw)
		}
		event.Timestamp = ts.UTC()
	}
	return event, nil
}

// normalizeSyslog parses the RFC3164 subset emitted by the collectors:
// <PRI>TIMESTAMP HOST TAG: MESSAGE.
func (n *Normalizer) normalizeSyslog(raw []byte) (*models.Event, *NormalizationError) {
	line := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(line, "<") {
		return nil, badInput("missing syslog priority", raw)
	}
	end := strings.IndexByte(line, '>')
	if end < 2 {
		return nil, badInput("malformed syslog priority", raw)
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil || pri < 0 || pri > 191 {
		return nil, badInput("invalid syslog priority", raw)
	}
	rest := line[end+1:]
	if len(rest) < 16 {
		return nil, badInput("truncated syslog header", raw)
	}

	ts, err := time.Parse(time.Stamp, rest[:15])
	if err != nil {
		return nil, badInput("invalid syslog timestamp: "+err.Error(), raw)
	}
	// RFC3164 timestamps carry no year; assume the current one.
	now := time.Now().UTC()
	ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)

	fields := strings.SplitN(strings.TrimSpace(rest[15:]), " ", 2)
	if len(fields) < 2 {
		return nil, badInput("missing syslog host or message", raw)
	}
	host := fields[0]
	tagAndMsg := fields[1]
	tag := ""
	msg := tagAndMsg
	if idx := strings.Index(tagAndMsg, ": "); idx > 0 {
		tag = tagAndMsg[:idx]
		msg = tagAndMsg[idx+2:]
	}

	sysSeverity := pri % 8
	facility := pri / 8

	event := &models.Event{
		Source:     models.SourceLog,
		StreamKey:  streamKey(host, tag),
		Timestamp:  ts,
		RawPayload: line,
		Features: models.FeatureMap{
			"syslog_severity": float64(sysSeverity),
			"syslog_facility": float64(facility),
			"message_length":  float64(len(msg)),
		},
		Tags:     models.StringList{"syslog"},
		Severity: syslogSeverity(sysSeverity),
	}
	return event, nil
}

func syslogSeverity(sev int) models.Severity {
	switch {
	case sev <= 2: // emerg, alert, crit
		return models.SeverityCritical
	case sev == 3: // err
		return models.SeverityHigh
	case sev == 4: // warning
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// normalizeTuple parses the fixed network tuple schema pushed by probes:
// SRC_IP SRC_PORT DST_IP DST_PORT PROTO BYTES PACKETS.
func (n *Normalizer) normalizeTuple(raw []byte) (*models.Event, *NormalizationError) {
	fields := strings.Fields(string(raw))
	if len(fields) != 7 {
		return nil, badInput("network tuple needs 7 fields", raw)
	}

	srcPort, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, badInput("invalid source port", raw)
	}
	dstPort, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, badInput("invalid destination port", raw)
	}
	bytesSent, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return nil, badInput("invalid byte count", raw)
	}
	packets, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return nil, badInput("invalid packet count", raw)
	}

	event := &models.Event{
		Source:     models.SourceNetwork,
		StreamKey:  streamKey(fields[0], fields[4]),
		RawPayload: strings.TrimSpace(string(raw)),
		Features: models.FeatureMap{
			"src_port": float64(srcPort),
			"dst_port": float64(dstPort),
			"bytes":    bytesSent,
			"packets":  packets,
		},
		Tags:     models.StringList{"network", strings.ToLower(fields[4])},
		Severity: models.SeverityLow,
	}
	return event, nil
}

func streamKey(device, metric string) string {
	if metric == "" {
		return device
	}
	return device + "/" + metric
}
