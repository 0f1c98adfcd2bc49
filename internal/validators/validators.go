// Package validators provides the custom validators available to P-Modes
package validators

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-ebms/pkg/compression"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

// Validator types
const (
	TypeRequiredProperties = "required-properties"
	TypePayloadCount       = "payload-count"
	TypeXMLNamespace       = "xml-namespace"
)

// Register adds all validators of this package to r
func Register(r *validation.Registry) error {
	for typ, f := range map[string]validation.Factory{
		TypeRequiredProperties: NewRequiredProperties,
		TypePayloadCount:       NewPayloadCount,
		TypeXMLNamespace:       NewXMLNamespace,
	} {
		if err := r.Register(typ, f); err != nil {
			return err
		}
	}
	return nil
}

func severity(params map[string]string) (validation.Severity, error) {
	switch strings.ToLower(params["severity"]) {
	case "", "failure":
		return validation.SeverityFailure, nil
	case "warning":
		return validation.SeverityWarning, nil
	default:
		return "", fmt.Errorf("unknown severity %q", params["severity"])
	}
}

func split(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RequiredProperties reports message properties that are missing or empty
type RequiredProperties struct {
	Names    []string
	Severity validation.Severity
}

// NewRequiredProperties creates the validator from its parameters:
// names (comma separated, required) and severity
func NewRequiredProperties(params map[string]string) (validation.Validator, error) {
	names := split(params["names"])
	if len(names) == 0 {
		return nil, fmt.Errorf("parameter names is required")
	}
	sev, err := severity(params)
	if err != nil {
		return nil, err
	}
	return &RequiredProperties{Names: names, Severity: sev}, nil
}

// Validate implements validation.Validator
func (v *RequiredProperties) Validate(_ context.Context, um *model.UserMessage) ([]validation.Finding, error) {
	var findings []validation.Finding
	for _, name := range v.Names {
		if value, ok := um.MessageProperty(name); !ok || value == "" {
			findings = append(findings, validation.Finding{
				Severity: v.Severity,
				Message:  fmt.Sprintf("message property %s is missing", name),
			})
		}
	}
	return findings, nil
}

// PayloadCount checks the number of payloads against bounds
type PayloadCount struct {
	Min int
	// Max < 0 means unbounded
	Max int
}

// NewPayloadCount creates the validator from its parameters min and max
func NewPayloadCount(params map[string]string) (validation.Validator, error) {
	v := &PayloadCount{Max: -1}
	var err error
	if s := params["min"]; s != "" {
		if v.Min, err = strconv.Atoi(s); err != nil || v.Min < 0 {
			return nil, fmt.Errorf("invalid min %q", s)
		}
	}
	if s := params["max"]; s != "" {
		if v.Max, err = strconv.Atoi(s); err != nil || v.Max < v.Min {
			return nil, fmt.Errorf("invalid max %q", s)
		}
	}
	return v, nil
}

// Validate implements validation.Validator
func (v *PayloadCount) Validate(_ context.Context, um *model.UserMessage) ([]validation.Finding, error) {
	n := len(um.Payloads())
	if n < v.Min {
		return []validation.Finding{validation.Failure("message has %d payloads, at least %d required", n, v.Min)}, nil
	}
	if v.Max >= 0 && n > v.Max {
		return []validation.Finding{validation.Failure("message has %d payloads, at most %d allowed", n, v.Max)}, nil
	}
	return nil, nil
}

// XMLNamespace checks that XML payloads have a root element in the
// expected namespace. Payload content is read from its ContentLocation and
// decompressed when the payload is GZIP compressed.
type XMLNamespace struct {
	Namespace string
	// Root is the expected local name of the root element, "" for any
	Root string
}

// NewXMLNamespace creates the validator from its parameters namespace
// (required) and root
func NewXMLNamespace(params map[string]string) (validation.Validator, error) {
	ns := params["namespace"]
	if ns == "" {
		return nil, fmt.Errorf("parameter namespace is required")
	}
	return &XMLNamespace{Namespace: ns, Root: params["root"]}, nil
}

// Validate implements validation.Validator
func (v *XMLNamespace) Validate(ctx context.Context, um *model.UserMessage) ([]validation.Finding, error) {
	var findings []validation.Finding
	for i, p := range um.Payloads() {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		if !isXML(p.MimeType) {
			continue
		}
		doc, err := readDocument(p)
		if errors.Is(err, compression.ErrNoContent) {
			findings = append(findings, validation.Warning("payload %d content is not available", i+1))
			continue
		}
		if err != nil {
			findings = append(findings, validation.Failure("payload %d is not well-formed XML: %v", i+1, err))
			continue
		}
		root := doc.Root()
		if root == nil {
			findings = append(findings, validation.Failure("payload %d has no root element", i+1))
			continue
		}
		if ns := root.NamespaceURI(); ns != v.Namespace {
			findings = append(findings, validation.Failure("payload %d root element is in namespace %q, expected %q", i+1, ns, v.Namespace))
		}
		if v.Root != "" && root.Tag != v.Root {
			findings = append(findings, validation.Failure("payload %d root element is %s, expected %s", i+1, root.Tag, v.Root))
		}
	}
	return findings, nil
}

func readDocument(p model.Payload) (*etree.Document, error) {
	r, err := compression.Open(p)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, err
	}
	return doc, nil
}

func isXML(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	return mt == "application/xml" || mt == "text/xml" || strings.HasSuffix(mt, "+xml")
}
