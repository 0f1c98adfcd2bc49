package message

import "strings"

// Part property names used by the AS4 profile
const (
	PartPropertyMimeType        = "MimeType"
	PartPropertyCompressionType = "CompressionType"
	PartPropertyCharacterSet    = "CharacterSet"
)

// NormalizeContentID strips the cid: scheme and angle brackets, so that
// "cid:a@b", "<a@b>" and "a@b" compare equal
func NormalizeContentID(contentID string) string {
	id := strings.TrimPrefix(contentID, "cid:")
	return strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
}

// MatchContentID reports whether two content ids name the same part
func MatchContentID(a, b string) bool {
	return NormalizeContentID(a) == NormalizeContentID(b)
}

// NewPartInfo returns a reference to the attachment with the given
// content id
func NewPartInfo(contentID string) PartInfo {
	return PartInfo{Href: "cid:" + NormalizeContentID(contentID)}
}

// Property returns the first part property called name, or ""
func (p *PartInfo) Property(name string) string {
	if p == nil || p.PartProperties == nil {
		return ""
	}
	for _, prop := range p.PartProperties.Property {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// AddPartProperty appends a part property
func (p *PartInfo) AddPartProperty(name, value string) {
	if p.PartProperties == nil {
		p.PartProperties = &PartProperties{}
	}
	props := p.PartProperties
	props.Property = append(props.Property, Property{Name: name, Value: value})
}

// SetMimeType records the payload's content type as a part property
func (p *PartInfo) SetMimeType(mimeType string) {
	p.AddPartProperty(PartPropertyMimeType, mimeType)
}
