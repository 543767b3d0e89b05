package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Dir is the artifact state directory. Stage outputs live in fixed
// subdirectories with deterministic file names:
//
//	normalized/<message_id>.json
//	attachments/<attachment_id>.artifact.json
//	identity/<message_id>.identity.json
//	classification/<message_id>.classification.json
//	extraction/<message_id>.extraction.json
//	routing/<message_id>.routing.json
//	case/<message_id>.case.json
//	drafts/<message_id>.request_info.md, <message_id>.reply.md
type Dir struct {
	base     string
	registry *schema.Registry
}

// NewDir opens the artifact directory rooted at base.
func NewDir(base string, registry *schema.Registry) *Dir {
	return &Dir{base: base, registry: registry}
}

// Base returns the artifact directory root.
func (d *Dir) Base() string { return d.base }

func (d *Dir) NormalizedPath(messageID string) string {
	return filepath.Join(d.base, "normalized", messageID+".json")
}

func (d *Dir) AttachmentPath(attachmentID string) string {
	return filepath.Join(d.base, "attachments", attachmentID+".artifact.json")
}

func (d *Dir) IdentityPath(messageID string) string {
	return filepath.Join(d.base, "identity", messageID+".identity.json")
}

func (d *Dir) ClassificationPath(messageID string) string {
	return filepath.Join(d.base, "classification", messageID+".classification.json")
}

func (d *Dir) ExtractionPath(messageID string) string {
	return filepath.Join(d.base, "extraction", messageID+".extraction.json")
}

func (d *Dir) RoutingPath(messageID string) string {
	return filepath.Join(d.base, "routing", messageID+".routing.json")
}

func (d *Dir) CasePath(messageID string) string {
	return filepath.Join(d.base, "case", messageID+".case.json")
}

func (d *Dir) DraftPath(messageID, kind string) string {
	return filepath.Join(d.base, "drafts", messageID+"."+kind+".md")
}

// WriteArtifact validates v against its schema, encodes it with the stable
// artifact encoding, and writes it via tmp+rename. It returns the encoded
// bytes so callers can hash exactly what landed on disk.
func (d *Dir) WriteArtifact(path string, v any) ([]byte, error) {
	schemaID := SchemaIDFor(v)
	data, err := canonicalize.EncodeArtifact(v)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if schemaID != "" && d.registry != nil {
		if err := d.registry.ValidateBytes(schemaID, data); err != nil {
			return nil, ieimerr.Wrap(ieimerr.CodeArtifactAmbiguous, err, "artifact %s fails %s", filepath.Base(path), schemaID)
		}
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadArtifact reads and decodes a stored artifact into out.
func (d *Dir) ReadArtifact(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ieimerr.New(ieimerr.CodeNotFound, "artifact %s", filepath.Base(path))
		}
		return fmt.Errorf("read artifact %s: %w", path, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode artifact %s: %w", path, err)
	}
	return nil
}

// ReadArtifactBytes returns the raw stored bytes of an artifact.
func (d *Dir) ReadArtifactBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ieimerr.New(ieimerr.CodeNotFound, "artifact %s", filepath.Base(path))
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

// ListNormalized returns normalized-message paths sorted by file name.
func (d *Dir) ListNormalized() ([]string, error) {
	return sortedGlob(filepath.Join(d.base, "normalized", "*.json"))
}

// ListAttachmentArtifacts returns attachment artifact paths sorted by name.
func (d *Dir) ListAttachmentArtifacts() ([]string, error) {
	return sortedGlob(filepath.Join(d.base, "attachments", "*.artifact.json"))
}

func sortedGlob(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// WriteFileAtomic writes data to a sibling .tmp file and renames it into
// place. Readers never observe a half-written artifact.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
