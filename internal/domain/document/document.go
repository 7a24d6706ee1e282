// Package document handles Brazilian tax documents (CPF for individuals,
// CNPJ for organizations) as typed by account holders.
package document

import (
	"errors"
	"strings"
)

const (
	cpfLength  = 11
	cnpjLength = 14
)

// Type tags the kind of holder a document identifies.
type Type string

const (
	TypeIndividual   Type = "individual"
	TypeOrganization Type = "organization"
)

// ErrInvalidDocument is returned when a document has neither 11 nor 14 digits.
var ErrInvalidDocument = errors.New("CPF ou CNPJ inválido")

// Clean strips every non-digit character.
func Clean(doc string) string {
	var b strings.Builder
	b.Grow(len(doc))
	for _, r := range doc {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate reports whether doc has exactly 11 (CPF) or 14 (CNPJ) digits.
// Check digits are not verified; the aggregator rejects bad ones.
func Validate(doc string) bool {
	n := len(Clean(doc))
	return n == cpfLength || n == cnpjLength
}

// TypeOf derives the holder type from the digit count. It returns an empty
// Type when the document is neither a CPF nor a CNPJ.
func TypeOf(doc string) Type {
	switch len(Clean(doc)) {
	case cpfLength:
		return TypeIndividual
	case cnpjLength:
		return TypeOrganization
	default:
		return ""
	}
}

// Format renders a document with the usual punctuation
// (000.000.000-00 or 00.000.000/0000-00). Documents of any other length
// are returned as cleaned digits.
func Format(doc string) string {
	d := Clean(doc)
	switch len(d) {
	case cpfLength:
		return d[0:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:11]
	case cnpjLength:
		return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:14]
	default:
		return d
	}
}

// Mask hides all but the last two digits, for logs.
func Mask(doc string) string {
	d := Clean(doc)
	if len(d) <= 2 {
		return strings.Repeat("*", len(d))
	}
	return strings.Repeat("*", len(d)-2) + d[len(d)-2:]
}
