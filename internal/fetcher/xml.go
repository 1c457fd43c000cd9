package fetcher

import (
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// NewXMLDecoder returns an xml.Decoder that understands any charset the
// WHATWG encoding index knows (ISO-8859-1 and windows-1252 are common in
// older WFS deployments).
func NewXMLDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader
	return decoder
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

// InnerText collects the character data of the element whose start token
// was just consumed, skipping nested markup, and leaves the decoder after
// the matching end element.
func InnerText(decoder *xml.Decoder) (string, error) {
	var buf []byte
	depth := 1
	for depth > 0 {
		tok, err := decoder.Token()
		if err != nil {
			return "", eris.Wrap(err, "xml: read inner text")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			buf = append(buf, t...)
		}
	}
	return string(buf), nil
}
