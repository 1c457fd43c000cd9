package featuresvc

import "encoding/xml"

func xmlName(local string) xml.Name { return xml.Name{Local: local} }

func xmlAttr(local, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: local}, Value: value}
}
