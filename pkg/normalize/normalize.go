// Package normalize turns raw MIME bytes into the normalized message
// artifact. Canonicalization is limited to lowercasing so evidence byte
// offsets into subject_c14n and body_text_c14n stay aligned with the
// stored text.
package normalize

import (
	"bytes"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

var whitespaceRE = regexp.MustCompile(`[\t\r\n]+`)

// germanMarkers is the fixed marker list for language detection. Substring
// match against lowercased subject+body.
var germanMarkers = []string{"guten tag", "bitte", "schaden", "polizz", "kündig", "rechnung"}

// DetectLanguage returns "de" when any German marker occurs, else "en".
func DetectLanguage(subject, body string) string {
	text := strings.ToLower(whitespaceRE.ReplaceAllString(subject+" "+body, " "))
	for _, m := range germanMarkers {
		if strings.Contains(text, m) {
			return "de"
		}
	}
	return "en"
}

// CanonicalizeText lowercases without reordering or trimming, keeping byte
// offsets identical between raw and c14n forms for ASCII input.
func CanonicalizeText(text string) string { return strings.ToLower(text) }

func stripTrailingNewlines(text string) string {
	return strings.TrimRight(text, "\r\n")
}

func parseSingleAddress(value string) (email, displayName string) {
	if value == "" {
		return "", ""
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return "", ""
		}
		addrs = []*mail.Address{addr}
	}
	return strings.TrimSpace(addrs[0].Address), strings.TrimSpace(addrs[0].Name)
}

func parseAddressList(value string) []string {
	if value == "" {
		return []string{}
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if email := strings.TrimSpace(a.Address); email != "" {
			out = append(out, email)
		}
	}
	return out
}

// Fingerprint computes the content fingerprint of a normalized message. The
// field set is fixed; list-valued fields are sorted so header ordering does
// not perturb the hash.
func Fingerprint(nm *artifacts.NormalizedMessage) (string, error) {
	sortedCopy := func(in []string) []string {
		out := append([]string{}, in...)
		sort.Strings(out)
		return out
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return canonicalize.Hash(map[string]any{
		"attachment_ids":      sortedCopy(nm.AttachmentIDs),
		"body_text_c14n":      nm.BodyTextC14N,
		"cc_emails":           sortedCopy(nm.CCEmails),
		"from_email":          nm.FromEmail,
		"in_reply_to":         deref(nm.ThreadKeys.InReplyTo),
		"internet_message_id": deref(nm.ThreadKeys.InternetMessageID),
		"subject_c14n":        nm.SubjectC14N,
		"to_emails":           sortedCopy(nm.ToEmails),
	})
}

// Input carries the ingest-provided identity and provenance of one message.
type Input struct {
	RawMIME         []byte
	MessageID       string
	RunID           string
	IngestedAt      time.Time
	ReceivedAt      time.Time
	IngestionSource string
	RawMIMEURI      string
	RawMIMESHA256   string
	AttachmentIDs   []string
}

// Build parses raw MIME and assembles the normalized message artifact.
// Missing From or To addresses are a NORMALIZATION_INVALID failure.
func Build(in Input) (*artifacts.NormalizedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(in.RawMIME))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeNormalizationInvalid, err, "unparseable MIME")
	}

	fromEmail, fromName := parseSingleAddress(decodeHeader(msg.Header.Get("From")))
	if fromEmail == "" {
		return nil, ieimerr.New(ieimerr.CodeNormalizationInvalid, "missing From address")
	}
	toEmails := parseAddressList(decodeHeader(msg.Header.Get("To")))
	if len(toEmails) == 0 {
		return nil, ieimerr.New(ieimerr.CodeNormalizationInvalid, "missing To address")
	}
	ccEmails := parseAddressList(decodeHeader(msg.Header.Get("Cc")))
	replyTo, _ := parseSingleAddress(decodeHeader(msg.Header.Get("Reply-To")))

	subject := decodeHeader(msg.Header.Get("Subject"))

	// Re-parse for the body walk; mail.ReadMessage consumes the reader.
	bodyMsg, err := mail.ReadMessage(bytes.NewReader(in.RawMIME))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeNormalizationInvalid, err, "unparseable MIME")
	}
	bodyText := stripTrailingNewlines(firstPlainTextPart(bodyMsg))

	subjectC14N := CanonicalizeText(subject)
	bodyTextC14N := CanonicalizeText(bodyText)

	optional := func(value string) *string {
		if value == "" {
			return nil
		}
		v := value
		return &v
	}

	attachmentIDs := in.AttachmentIDs
	if attachmentIDs == nil {
		attachmentIDs = []string{}
	}

	nm := &artifacts.NormalizedMessage{
		SchemaID:        schema.NormalizedMessageID,
		SchemaVersion:   schema.Version(schema.NormalizedMessageID),
		MessageID:       in.MessageID,
		RunID:           in.RunID,
		IngestedAt:      canonicalize.FormatTime(in.IngestedAt),
		ReceivedAt:      canonicalize.FormatTime(in.ReceivedAt),
		IngestionSource: in.IngestionSource,
		RawMIMEURI:      in.RawMIMEURI,
		RawMIMESHA256:   in.RawMIMESHA256,
		FromEmail:       fromEmail,
		FromDisplayName: optional(fromName),
		ReplyToEmail:    optional(replyTo),
		ToEmails:        toEmails,
		CCEmails:        ccEmails,
		Subject:         subject,
		SubjectC14N:     subjectC14N,
		BodyText:        bodyText,
		BodyTextC14N:    bodyTextC14N,
		Language:        DetectLanguage(subject, bodyText),
		ThreadKeys: artifacts.ThreadKeys{
			InternetMessageID: optional(msg.Header.Get("Message-ID")),
			InReplyTo:         optional(msg.Header.Get("In-Reply-To")),
			ConversationID:    nil,
		},
		AttachmentIDs: attachmentIDs,
	}

	fingerprint, err := Fingerprint(nm)
	if err != nil {
		return nil, err
	}
	nm.MessageFingerprint = fingerprint
	return nm, nil
}

// MessageID derives the deterministic message id for a source message.
func MessageID(source, sourceMessageID string) string {
	return canonicalize.UUID5(source + ":" + sourceMessageID)
}

// RunID derives the deterministic run id for one processing of a message.
func RunID(messageID, rawMIMESHA256 string) string {
	return canonicalize.UUID5("run:" + messageID + ":" + rawMIMESHA256)
}
