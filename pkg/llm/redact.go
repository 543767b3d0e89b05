package llm

import "regexp"

var (
	emailRE       = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	redactedIBANs = regexp.MustCompile(`(?i)\b[a-z]{2}\d{2}[a-z0-9]{10,30}\b`)
)

// RedactPreserveLength masks email addresses and IBANs with '*' while
// keeping every byte offset stable, so evidence spans found in the
// redacted text remain valid in the original.
func RedactPreserveLength(text string) string {
	out := []byte(text)
	for _, re := range []*regexp.Regexp{emailRE, redactedIBANs} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			for i := loc[0]; i < loc[1]; i++ {
				out[i] = '*'
			}
		}
	}
	return string(out)
}
