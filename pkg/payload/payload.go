// Package payload defines the document list handed from the parse stage to
// the load stage.
//
// The wire format is a JSON array of objects. Known fields (pmid, pubDate,
// reviseDate, ISSN, country, Author) must be strings or null; other fields
// are carried through untouched.
package payload

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fulmenhq/gofulmen/schema"
)

//go:embed retractions.schema.json
var retractionListSchema []byte

// ErrMalformed wraps every decode and validation failure.
var ErrMalformed = errors.New("malformed payload")

// Document is one parsed retraction record, keyed by field name.
type Document map[string]any

// DocumentSet is the decoded parse-stage output.
type DocumentSet []Document

// Encode returns the compact JSON form fed to the load stage.
func (s DocumentSet) Encode() ([]byte, error) {
	if s == nil {
		s = DocumentSet{}
	}
	return json.Marshal(s)
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(retractionListSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile payload schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks raw bytes against the document list schema.
func Validate(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty output", ErrMalformed)
	}
	// encoding/json would silently replace invalid bytes when the set is
	// re-encoded for the load stage.
	if !utf8.Valid(trimmed) {
		return fmt.Errorf("%w: output is not valid UTF-8", ErrMalformed)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: not valid JSON", ErrMalformed)
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var problems []string
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		if d.Pointer == "" {
			problems = append(problems, d.Message)
		} else {
			problems = append(problems, d.Pointer+": "+d.Message)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformed, strings.Join(problems, "; "))
	}
	return nil
}

// Decode validates and parses raw parse-stage output.
func Decode(data []byte) (DocumentSet, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var set DocumentSet
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document list", ErrMalformed)
	}
	return set, nil
}

// RetractionList is the stage payload format of the parse stage.
type RetractionList struct{}

func (RetractionList) Name() string { return "retraction-list/v1" }

// Normalize decodes raw output and re-encodes it compactly, returning the
// bytes for the next stage and the record count.
func (RetractionList) Normalize(raw []byte) ([]byte, int, error) {
	set, err := Decode(raw)
	if err != nil {
		return nil, 0, err
	}
	out, err := set.Encode()
	if err != nil {
		return nil, 0, fmt.Errorf("encode document list: %w", err)
	}
	return out, len(set), nil
}
