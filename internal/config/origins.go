package config

import (
	"strings"

	"github.com/wilsonzlin/meetflow/internal/origin"
)

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			out = append(out, entry)
			continue
		}
		normalized, err := origin.Normalize(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, normalized)
	}
	return out, nil
}
