package imap

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

const snippetLen = 200

// previewFromBuffer converts fetched envelope and flag data.
func previewFromBuffer(
	buf *imapclient.FetchMessageBuffer, mailbox, role string,
) remote.MessagePreview {
	p := remote.MessagePreview{
		ID:     messageID(mailbox, buf.UID),
		Labels: labelsFromFlags(buf.Flags, role),
	}

	if env := buf.Envelope; env != nil {
		p.ThreadID = env.MessageID
		p.Subject = env.Subject
		p.Date = env.Date

		if len(env.From) > 0 {
			from := env.From[0]
			if from.Name != "" {
				p.From = from.Name + " <" + from.Addr() + ">"
			} else {
				p.From = from.Addr()
			}
		}
		for _, a := range env.To {
			p.To = append(p.To, a.Addr())
		}
		for _, a := range env.Cc {
			p.Cc = append(p.Cc, a.Addr())
		}
		for _, a := range env.Bcc {
			p.Bcc = append(p.Bcc, a.Addr())
		}
	}

	if p.Date.IsZero() {
		p.Date = buf.InternalDate
	}
	return p
}

// parsedBody is the content extracted from a raw RFC 5322 message.
type parsedBody struct {
	Text        string
	HTML        string
	Attachments []model.Attachment
}

// parseMIMEBody parses a raw message with go-message and extracts the
// text/plain body, text/html body and attachment metadata.
func parseMIMEBody(raw []byte) parsedBody {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not MIME; treat the whole thing as plain text.
		return parsedBody{Text: string(raw)}
	}
	defer mr.Close()

	var out parsedBody
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && out.Text == "":
				out.Text = string(body)
			case strings.HasPrefix(contentType, "text/html") && out.HTML == "":
				out.HTML = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read only to measure; payloads are never cached.
			n, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			out.Attachments = append(out.Attachments, model.Attachment{
				ID:       filename,
				Filename: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}

	return out
}

// snippet builds a short single-line preview from a body.
func snippet(text, html string) string {
	if text == "" {
		text = stripHTML(html)
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLen {
		return text
	}
	return string([]rune(text)[:snippetLen])
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return strings.TrimSpace(replacer.Replace(result))
}
