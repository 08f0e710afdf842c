package collyfetcher

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

var siteEncodings = map[string]encoding.Encoding{
	"big5":    traditionalchinese.Big5,
	"gbk":     simplifiedchinese.GBK,
	"gb2312":  simplifiedchinese.GBK,
	"gb18030": simplifiedchinese.GB18030,
}

// lookupEncoding resolves a configured encoding name. Names outside the
// common CJK set go through the WHATWG index.
func lookupEncoding(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if enc, ok := siteEncodings[key]; ok {
		return enc, nil
	}
	enc, err := htmlindex.Get(key)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// decode converts body to UTF-8. Colly already transcodes bodies whose
// Content-Type names a charset, so only undeclared bodies are converted: with
// the site's configured encoding when set, otherwise by sniffing meta tags.
func decode(body []byte, siteEncoding, contentType string) (string, error) {
	if strings.Contains(strings.ToLower(contentType), "charset") {
		return string(body), nil
	}
	var enc encoding.Encoding
	if siteEncoding != "" {
		var err error
		if enc, err = lookupEncoding(siteEncoding); err != nil {
			return "", err
		}
	} else {
		var name string
		enc, name, _ = charset.DetermineEncoding(body, contentType)
		if name == "utf-8" {
			return string(body), nil
		}
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return string(out), nil
}
