package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// EncodingAuto asks Decode to detect the charset from the body.
const EncodingAuto = "auto"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// detectorLabels maps chardet names that differ from WHATWG labels.
var detectorLabels = map[string]string{
	"gb-18030":     "gb18030",
	"iso-8859-8-i": "iso-8859-8-i",
	"ibm420_rtl":   "",
	"ibm420_ltr":   "",
	"ibm424_rtl":   "",
	"ibm424_ltr":   "",
	"utf-32be":     "",
	"utf-32le":     "",
}

// Decode converts body from the named encoding to a UTF-8 string. Labels are
// WHATWG encoding labels ("gbk", "utf-8", "big5", ...) or EncodingAuto.
// Undecodable bytes become U+FFFD.
func Decode(body []byte, label string) (string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == EncodingAuto {
		label = detect(body)
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unsupported encoding %q", label)
	}
	name, _ := htmlindex.Name(enc)
	if name == "utf-8" {
		body = bytes.TrimPrefix(body, utf8BOM)
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", label, err)
	}
	return string(out), nil
}

func detect(body []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || result == nil {
		return "utf-8"
	}
	label := strings.ToLower(result.Charset)
	if mapped, ok := detectorLabels[label]; ok {
		label = mapped
	}
	if label == "" {
		return "utf-8"
	}
	return label
}
