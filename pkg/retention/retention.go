// Package retention plans and applies deletion of raw MIME, attachment
// blobs, and extracted texts past their retention window. Plans are
// refcount-aware: a blob referenced by any retained message survives even
// when an expired message also references it. Audit files are never
// touched.
package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"gopkg.in/yaml.v3"
)

// Config is the retention window set from the runtime YAML.
type Config struct {
	RawDays        int `yaml:"raw_days"`
	NormalizedDays int `yaml:"normalized_days"`
	AuditYears     int `yaml:"audit_years"`
}

// LoadConfig reads the retention section of a runtime config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var doc struct {
		Retention *Config `yaml:"retention"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "parse retention config")
	}
	if doc.Retention == nil {
		return Config{}, ieimerr.New(ieimerr.CodeConfigInvalid, "retention section missing in %s", path)
	}
	c := *doc.Retention
	if c.RawDays < 0 || c.NormalizedDays < 0 || c.AuditYears < 0 {
		return Config{}, ieimerr.New(ieimerr.CodeConfigInvalid, "retention values must be >= 0")
	}
	return c, nil
}

type messageInfo struct {
	MessageID     string   `json:"message_id"`
	RunID         string   `json:"run_id"`
	IngestedAt    string   `json:"ingested_at"`
	RawMIMEURI    string   `json:"raw_mime_uri"`
	RawMIMESHA256 string   `json:"raw_mime_sha256"`
	AttachmentIDs []string `json:"attachment_ids"`
}

type attachmentInfo struct {
	AttachmentID     string  `json:"attachment_id"`
	SHA256           string  `json:"sha256"`
	ExtractedTextURI *string `json:"extracted_text_uri"`
}

func loadMessages(normalizedDir string) ([]messageInfo, error) {
	paths, err := filepath.Glob(filepath.Join(normalizedDir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := []messageInfo{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var nm messageInfo
		if err := json.Unmarshal(data, &nm); err != nil {
			continue
		}
		if nm.MessageID == "" || nm.RunID == "" || nm.IngestedAt == "" || nm.RawMIMEURI == "" || nm.RawMIMESHA256 == "" {
			continue
		}
		out = append(out, nm)
	}
	return out, nil
}

func loadAttachments(attachmentsDir string) (map[string]attachmentInfo, error) {
	paths, err := filepath.Glob(filepath.Join(attachmentsDir, "*.artifact.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	infos := map[string]attachmentInfo{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var att attachmentInfo
		if err := json.Unmarshal(data, &att); err != nil {
			continue
		}
		if att.AttachmentID == "" {
			att.AttachmentID = strings.TrimSuffix(filepath.Base(p), ".artifact.json")
		}
		if att.SHA256 == "" {
			continue
		}
		infos[att.AttachmentID] = att
	}
	return infos, nil
}

// Plan lists what an apply would delete. All slices are sorted.
type Plan struct {
	CutoffRaw         time.Time
	RawMIMEURIs       []string
	AttachmentHashes  []string
	ExtractedTextURIs []string
}

func sortedDiff(expired, retained map[string]bool) []string {
	out := []string{}
	for v := range expired {
		if !retained[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func buildPlan(messages []messageInfo, attachments map[string]attachmentInfo, rawDays int, now time.Time) (Plan, error) {
	cutoff := now.Add(-time.Duration(rawDays) * 24 * time.Hour)

	expiredRaw := map[string]bool{}
	retainedRaw := map[string]bool{}
	expiredHashes := map[string]bool{}
	retainedHashes := map[string]bool{}
	expiredTexts := map[string]bool{}
	retainedTexts := map[string]bool{}

	collect := func(nm messageInfo, hashes, texts map[string]bool) {
		for _, attID := range nm.AttachmentIDs {
			info, ok := attachments[attID]
			if !ok {
				continue
			}
			hashes[info.SHA256] = true
			if info.ExtractedTextURI != nil && *info.ExtractedTextURI != "" {
				texts[*info.ExtractedTextURI] = true
			}
		}
	}

	for _, nm := range messages {
		ingestedAt, err := canonicalize.ParseTime(nm.IngestedAt)
		if err != nil {
			return Plan{}, fmt.Errorf("message %s: %w", nm.MessageID, err)
		}
		if ingestedAt.Before(cutoff) {
			expiredRaw[nm.RawMIMEURI] = true
			collect(nm, expiredHashes, expiredTexts)
		} else {
			retainedRaw[nm.RawMIMEURI] = true
			collect(nm, retainedHashes, retainedTexts)
		}
	}

	return Plan{
		CutoffRaw:         cutoff,
		RawMIMEURIs:       sortedDiff(expiredRaw, retainedRaw),
		AttachmentHashes:  sortedDiff(expiredHashes, retainedHashes),
		ExtractedTextURIs: sortedDiff(expiredTexts, retainedTexts),
	}, nil
}

// Deletion is the outcome for one file: DELETED, DRY_RUN, or MISSING.
type Deletion struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Report is what a retention run produced.
type Report struct {
	Status     string                `json:"status"`
	Now        string                `json:"now"`
	CutoffRaw  string                `json:"cutoff_raw"`
	RawDays    int                   `json:"raw_days"`
	Candidates map[string][]string   `json:"candidates"`
	Applied    map[string][]Deletion `json:"applied"`
}

// Params drive one retention run. DerivedBaseDir defaults to BaseDir;
// ReportPath is optional.
type Params struct {
	BaseDir        string
	DerivedBaseDir string
	NormalizedDir  string
	AttachmentsDir string
	RawDays        int
	Now            time.Time
	DryRun         bool
	ReportPath     string
}

// safeResolveUnder rejects path escapes out of the state directory.
func safeResolveUnder(baseDir, relPath string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	p, err := filepath.Abs(filepath.Join(base, relPath))
	if err != nil {
		return "", err
	}
	if p == base || !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to access outside base dir: %s", relPath)
	}
	return p, nil
}

func deleteFile(path string, dryRun bool) Deletion {
	if _, err := os.Stat(path); err != nil {
		return Deletion{Path: path, Status: "MISSING"}
	}
	if dryRun {
		return Deletion{Path: path, Status: "DRY_RUN"}
	}
	if err := os.Remove(path); err != nil {
		return Deletion{Path: path, Status: "MISSING"}
	}
	return Deletion{Path: path, Status: "DELETED"}
}

// Run plans and (unless DryRun) applies raw-data retention.
func Run(p Params) (*Report, error) {
	derivedBase := p.DerivedBaseDir
	if derivedBase == "" {
		derivedBase = p.BaseDir
	}

	messages, err := loadMessages(p.NormalizedDir)
	if err != nil {
		return nil, err
	}
	attachments, err := loadAttachments(p.AttachmentsDir)
	if err != nil {
		return nil, err
	}
	plan, err := buildPlan(messages, attachments, p.RawDays, p.Now)
	if err != nil {
		return nil, err
	}

	status := "APPLIED"
	if p.DryRun {
		status = "DRY_RUN"
	}
	report := &Report{
		Status:    status,
		Now:       canonicalize.FormatTime(p.Now),
		CutoffRaw: canonicalize.FormatTime(plan.CutoffRaw),
		RawDays:   p.RawDays,
		Candidates: map[string][]string{
			"raw_mime_uris":       plan.RawMIMEURIs,
			"attachment_sha256":   plan.AttachmentHashes,
			"extracted_text_uris": plan.ExtractedTextURIs,
		},
		Applied: map[string][]Deletion{
			"raw_mime":       {},
			"attachments":    {},
			"extracted_text": {},
		},
	}

	for _, uri := range plan.RawMIMEURIs {
		path, err := safeResolveUnder(p.BaseDir, uri)
		if err != nil {
			return nil, err
		}
		report.Applied["raw_mime"] = append(report.Applied["raw_mime"], deleteFile(path, p.DryRun))
	}

	attachmentsRoot := filepath.Join(p.BaseDir, "raw_store", "attachments")
	if _, err := os.Stat(attachmentsRoot); err == nil {
		for _, sha := range plan.AttachmentHashes {
			hexHash, ok := strings.CutPrefix(sha, "sha256:")
			if !ok {
				continue
			}
			matches, err := filepath.Glob(filepath.Join(attachmentsRoot, hexHash+"*"))
			if err != nil {
				return nil, err
			}
			sort.Strings(matches)
			for _, m := range matches {
				if strings.HasSuffix(m, ".tmp") {
					continue
				}
				report.Applied["attachments"] = append(report.Applied["attachments"], deleteFile(m, p.DryRun))
			}
		}
	}

	for _, uri := range plan.ExtractedTextURIs {
		path, err := safeResolveUnder(derivedBase, uri)
		if err != nil {
			return nil, err
		}
		report.Applied["extracted_text"] = append(report.Applied["extracted_text"], deleteFile(path, p.DryRun))
	}

	if p.ReportPath != "" {
		data, err := canonicalize.EncodeArtifact(report)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p.ReportPath), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p.ReportPath, data, 0o644); err != nil {
			return nil, err
		}
	}

	return report, nil
}
