package faults

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/database"
)

// Classify maps an arbitrary error to a Kind. Typed errors are inspected first;
// message keywords are a best-effort fallback for opaque third-party failures.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if kind, ok := classifyTyped(err); ok {
		return kind
	}
	return classifyMessage(err.Error())
}

func classifyTyped(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown, true
	}

	switch {
	case adapter.IsPermissionError(err):
		return KindPermission, true
	case adapter.IsConfigurationError(err):
		return KindConfiguration, true
	case adapter.IsConnectionError(err):
		return KindNetwork, true
	case errors.Is(err, database.ErrCacheMiss):
		return KindCache, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindNetwork, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork, true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &numErr) {
		return KindParsing, true
	}

	var dbErr *adapter.DatabaseError
	if errors.As(err, &dbErr) || errors.Is(err, adapter.ErrNotConnected) || errors.Is(err, adapter.ErrInvalidQuery) {
		return KindDatabase, true
	}

	return "", false
}

// Keyword families are checked in this order; the first family with a match wins.
// A message mentioning both "timeout" and "permission" is a permission failure.
var keywordFamilies = []struct {
	kind     Kind
	keywords []string
}{
	{KindPermission, []string{"permission", "unauthorized", "forbidden", "access denied"}},
	{KindConfiguration, []string{"config", "setup"}},
	{KindFieldDefinition, []string{"not defined", "field definition"}},
	{KindCache, []string{"cache", "redis"}},
	{KindParsing, []string{"parse", "json", "syntax"}},
	{KindNetwork, []string{"network", "timeout", "fetch", "econnrefused", "dial tcp"}},
	{KindDatabase, []string{"database", "sql", "connection", "query"}},
	{KindValidation, []string{"validation", "invalid", "required"}},
}

func classifyMessage(message string) Kind {
	m := strings.ToLower(message)
	for _, family := range keywordFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(m, kw) {
				return family.kind
			}
		}
	}
	return KindUnknown
}
