package fetcher

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewXMLDecoder_Latin1(t *testing.T) {
	// "Søborg" encoded as ISO-8859-1.
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="ISO-8859-1"?><name>S`)
	buf.WriteByte(0xF8)
	buf.WriteString(`borg</name>`)

	var name string
	require.NoError(t, NewXMLDecoder(&buf).Decode(&name))
	assert.Equal(t, "Søborg", name)
}

func TestNewXMLDecoder_UnknownCharset(t *testing.T) {
	input := `<?xml version="1.0" encoding="x-made-up"?><name>a</name>`
	var name string
	err := NewXMLDecoder(strings.NewReader(input)).Decode(&name)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported charset")
}

func TestInnerText(t *testing.T) {
	input := `<root><status>Action <b>Required</b></status><next>x</next></root>`
	dec := NewXMLDecoder(strings.NewReader(input))

	for {
		tok, err := dec.Token()
		require.NoError(t, err)
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "status" {
			break
		}
	}
	text, err := InnerText(dec)
	require.NoError(t, err)
	assert.Equal(t, "Action Required", text)

	tok, err := dec.Token()
	require.NoError(t, err)
	se, ok := tok.(xml.StartElement)
	require.True(t, ok)
	assert.Equal(t, "next", se.Name.Local)
}
