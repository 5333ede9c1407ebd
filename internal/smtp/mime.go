package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
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

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	Text        string
	HTML        string
	Attachments int // 附件只计数，不保存
}

var errNoBoundary = errors.New("multipart message without boundary")

var headerDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// ParseEmail 解析邮件，提取主题、文本和 HTML 正文。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    decodeHeader(msg.Header.Get("From")),
		To:      msg.Header.Get("To"),
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败时按纯文本处理
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		parsed.Text = body
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errNoBoundary
		}

		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件，取第一个 text/plain 和 text/html 部分。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			dispType, _, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" {
				parsed.Attachments++
				_, _ = io.Copy(io.Discard, part)
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		if !strings.HasPrefix(mediaType, "text/") {
			parsed.Attachments++
			_, _ = io.Copy(io.Discard, part)
			continue
		}

		// multipart.Part 会自动解码 quoted-printable 并移除该头
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据传输编码和字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc, err := htmlindex.Get(charset); err == nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetReader 供 mime.WordDecoder 解码非 UTF-8 的编码字
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(charset))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
