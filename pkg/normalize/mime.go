package normalize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// wordDecoder decodes RFC 2047 encoded-words with charset support beyond
// UTF-8 (legacy mailers still send ISO-8859-1 and windows-1252 subjects).
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, fmt.Errorf("unsupported charset %q", charset)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeCharset converts part bytes declared with the given charset to UTF-8.
func decodeCharset(data []byte, charset string) []byte {
	if charset == "" {
		return data
	}
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii", "ascii":
		return data
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return data
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return data
	}
	return out
}

func decodeTransferEncoding(data []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.ReplaceAll(bytes.ReplaceAll(data, []byte("\r"), nil), []byte("\n"), nil))
		if err != nil {
			return data
		}
		return decoded[:n]
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data
		}
		return decoded
	default:
		return data
	}
}

// firstPlainTextPart walks the MIME tree depth-first and returns the decoded
// content of the first text/plain part, or "" when the message has none.
func firstPlainTextPart(msg *mail.Message) string {
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return ""
	}
	return findPlainText(mediaType, params, textprotoHeader(msg.Header), body)
}

type headerGetter interface {
	Get(key string) string
}

type mailHeaderAdapter struct{ h mail.Header }

func (a mailHeaderAdapter) Get(key string) string { return a.h.Get(key) }

func textprotoHeader(h mail.Header) headerGetter { return mailHeaderAdapter{h: h} }

func findPlainText(mediaType string, params map[string]string, header headerGetter, body []byte) string {
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return ""
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err != nil {
				return ""
			}
			partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				partType = "text/plain"
				partParams = map[string]string{}
			}
			partBody, err := io.ReadAll(part)
			if err != nil {
				return ""
			}
			if text := findPlainText(partType, partParams, part.Header, partBody); text != "" || partType == "text/plain" {
				return text
			}
		}
	}
	if mediaType != "text/plain" {
		return ""
	}
	decoded := decodeTransferEncoding(body, header.Get("Content-Transfer-Encoding"))
	return string(decodeCharset(decoded, params["charset"]))
}

// MIMEAttachment is a raw attachment lifted out of a MIME message.
type MIMEAttachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// ExtractMIMEAttachments returns the attachment parts of a raw MIME message
// in document order. Inline text/plain bodies are not attachments.
func ExtractMIMEAttachments(rawMIME []byte) ([]MIMEAttachment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawMIME))
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read mime body: %w", err)
	}

	var out []MIMEAttachment
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mime part: %w", err)
		}
		disposition, dparams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if disposition != "attachment" {
			continue
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			partType = "application/octet-stream"
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("read attachment part: %w", err)
		}
		out = append(out, MIMEAttachment{
			Filename: decodeHeader(dparams["filename"]),
			MIMEType: partType,
			Content:  decodeTransferEncoding(content, part.Header.Get("Content-Transfer-Encoding")),
		})
	}
	return out, nil
}
