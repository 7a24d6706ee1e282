// Package connector models the bank connectors offered by the Open Finance
// aggregator and the client-side rules for picking and parameterizing one.
package connector

import (
	"errors"
	"strings"

	"finlink/internal/domain/document"
)

const (
	// FieldCPF and FieldDocument are the credential names that carry the
	// holder's tax document.
	FieldCPF      = "cpf"
	FieldDocument = "document"
)

// ErrConnectorNotFound is returned when a selected connector id is not in the
// most recently fetched list.
var ErrConnectorNotFound = errors.New("connector not found")

// Field is one input the connector requires to create an item.
type Field struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Connector is a bank integration exposed by the aggregator. Server-owned,
// read-only here.
type Connector struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	ImageURL     string  `json:"imageUrl,omitempty"`
	PrimaryColor string  `json:"primaryColor,omitempty"`
	Credentials  []Field `json:"credentials"`
}

// Query selects which connectors to fetch.
type Query struct {
	CompanyID    string
	Type         string
	DocumentType document.Type
}

// CacheKey identifies a query result in the query cache.
func (q Query) CacheKey() string {
	return "connectors:" + q.CompanyID + ":" + q.Type + ":" + string(q.DocumentType)
}

// Filter returns the connectors whose name or type contains q,
// case-insensitively. An empty (or blank) q returns list unchanged.
func Filter(list []Connector, q string) []Connector {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return list
	}

	filtered := make([]Connector, 0, len(list))
	for _, c := range list {
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Type), q) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Find returns the connector with the given id.
func Find(list []Connector, id int64) (*Connector, error) {
	for i := range list {
		if list[i].ID == id {
			c := list[i]
			return &c, nil
		}
	}
	return nil, ErrConnectorNotFound
}

// DocumentField returns the name of the first credential named "cpf" or
// "document", defaulting to "cpf" when the connector declares neither.
func (c *Connector) DocumentField() string {
	for _, f := range c.Credentials {
		switch f.Name {
		case FieldCPF, FieldDocument:
			return f.Name
		}
	}
	return FieldCPF
}

// BuildParameters builds the item-creation parameters map. The holder
// document wins; the company document is used only when it is empty.
func BuildParameters(c *Connector, holderDocument, companyDocument string) map[string]string {
	value := document.Clean(holderDocument)
	if value == "" {
		value = document.Clean(companyDocument)
	}
	return map[string]string{c.DocumentField(): value}
}
