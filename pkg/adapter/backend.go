package adapter

import "strings"

// BackendType discriminates adapter families
type BackendType string

const (
	REST       BackendType = "rest"
	PostgreSQL BackendType = "postgres"
	MySQL      BackendType = "mysql"
	MongoDB    BackendType = "mongodb"
	Memory     BackendType = "memory"
)

var backendAliases = map[string]BackendType{
	"rest":       REST,
	"supabase":   REST,
	"postgrest":  REST,
	"postgres":   PostgreSQL,
	"postgresql": PostgreSQL,
	"pg":         PostgreSQL,
	"mysql":      MySQL,
	"mariadb":    MySQL,
	"mongodb":    MongoDB,
	"mongo":      MongoDB,
	"memory":     Memory,
	"inmemory":   Memory,
}

// ParseBackend resolves a backend name or alias, case-insensitively
func ParseBackend(name string) (BackendType, bool) {
	b, ok := backendAliases[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

func (b BackendType) String() string {
	return string(b)
}
