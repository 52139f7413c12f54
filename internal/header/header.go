// Package header decodes RFC 2047 header values and formats envelope addresses.
package header

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
)

var (
	encodedWord = regexp.MustCompile(`=\?[^?\s]+\?[bBqQ]\?[^?\s]*\?=`)
	replyPrefix = regexp.MustCompile(`(?i)^(\[[^\]]+\])?\s*re\s*:\s+(.*)$`)

	decoder = &mime.WordDecoder{CharsetReader: charset.Reader}
)

// DecodeHeader decodes RFC 2047 encoded words in a raw header value.
// Literal text and runs of encoded words become segments joined by a single space.
// A word that cannot be decoded is kept as is.
func DecodeHeader(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return ""
	}

	var segments []string
	var run strings.Builder
	flush := func() {
		if run.Len() > 0 {
			segments = append(segments, run.String())
			run.Reset()
		}
	}

	pos := 0
	for _, loc := range encodedWord.FindAllStringIndex(raw, -1) {
		between := raw[pos:loc[0]]
		// Whitespace between two encoded words is not part of the text.
		if strings.TrimSpace(between) != "" {
			flush()
			segments = append(segments, strings.TrimSpace(between))
		}

		word := raw[loc[0]:loc[1]]
		decoded, err := decoder.Decode(word)
		if err != nil {
			decoded = word
		}
		run.WriteString(decoded)
		pos = loc[1]
	}
	flush()

	if rest := strings.TrimSpace(raw[pos:]); rest != "" {
		segments = append(segments, rest)
	}

	return strings.Join(segments, " ")
}

// FormatAddress formats an envelope address as "Name <mailbox@host>", or
// "mailbox@host" when there is no display name. Group markers yield "".
func FormatAddress(address *imap.Address) string {
	if address == nil || address.MailboxName == "" || address.HostName == "" {
		return ""
	}

	name := DecodeHeader(address.PersonalName)
	if name != "" {
		return fmt.Sprintf("%s <%s@%s>", name, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// AddressesFromStructure formats every real address in an envelope address list.
func AddressesFromStructure(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := FormatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// FirstAddress returns the first formatted address, or "" for an empty list.
func FirstAddress(addresses []*imap.Address) string {
	for _, address := range addresses {
		if formatted := FormatAddress(address); formatted != "" {
			return formatted
		}
	}
	return ""
}

// StripReplyPrefix removes leading "Re:" markers, with an optional "[tag]"
// before each, until none is left.
func StripReplyPrefix(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		m := replyPrefix.FindStringSubmatch(subject)
		if m == nil {
			return subject
		}
		subject = strings.TrimSpace(m[2])
	}
}
