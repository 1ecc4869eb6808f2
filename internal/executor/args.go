package executor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
)

// ErrInvalidSystem is returned when params name a subsystem outside the allow list
var ErrInvalidSystem = errors.New("invalid subsystem")

// DefaultSystems is the allow list used when none is configured
var DefaultSystems = []string{"amplis_reag", "amplis_master", "maps", "fidc", "qore", "britech"}

var dateLayouts = []string{"2006-01-02", "02-01-2006", "2006/01/02", "02/01/2006"}

// ConvertDate rewrites a date to DD/MM/YYYY when it matches a known layout
// and returns it unchanged otherwise
func ConvertDate(s string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("02/01/2006")
		}
	}
	return s
}

// SanitizeSystems lower-cases and validates subsystem ids
func SanitizeSystems(systems, allowed []string) ([]string, error) {
	out := make([]string, 0, len(systems))
	var invalid []string
	for _, s := range systems {
		n := strings.ToLower(strings.TrimSpace(s))
		if n == "" || !slices.Contains(allowed, n) {
			invalid = append(invalid, s)
			continue
		}
		out = append(out, n)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %v (valid: %v)", ErrInvalidSystem, invalid, allowed)
	}
	return out, nil
}

// BuildArgs converts job params into pipeline command line flags
func BuildArgs(params domain.Params, allowed []string, configPath string) ([]string, error) {
	var args []string

	if systems := params.Strings("sistemas"); len(systems) > 0 {
		valid, err := SanitizeSystems(systems, allowed)
		if err != nil {
			return nil, err
		}
		args = append(args, "--sistemas")
		args = append(args, valid...)
	}

	if d := params.String("data_inicial"); d != "" {
		args = append(args, "--data-inicial", ConvertDate(d))
	}
	if d := params.String("data_final"); d != "" {
		args = append(args, "--data-final", ConvertDate(d))
	}

	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	if truthy(params["limpar"]) {
		args = append(args, "--limpar")
	}
	if truthy(params["dry_run"]) {
		args = append(args, "--dry-run")
	}

	opts, _ := params["opcoes"].(map[string]any)

	amplis := merge(option(opts, "amplis_reag"), option(opts, "amplis_master"))
	args = appendIfFalse(args, amplis, "csv", "--no-csv")
	args = appendIfFalse(args, amplis, "pdf", "--no-pdf")

	maps := option(opts, "maps")
	args = appendIfFalse(args, maps, "excel", "--maps-no-excel")
	args = appendIfFalse(args, maps, "pdf", "--maps-no-pdf")
	args = appendIfFalse(args, maps, "ativo", "--maps-no-ativo")
	args = appendIfFalse(args, maps, "passivo", "--maps-no-passivo")

	qore := option(opts, "qore")
	args = appendIfFalse(args, qore, "excel", "--qore-no-excel")
	args = appendIfFalse(args, qore, "pdf", "--qore-no-pdf")
	if truthy(qore["lote_pdf"]) {
		args = append(args, "--qore-lote-pdf")
	}
	if truthy(qore["lote_excel"]) {
		args = append(args, "--qore-lote-excel")
	}

	return args, nil
}

func option(opts map[string]any, name string) map[string]any {
	m, _ := opts[name].(map[string]any)
	return m
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// appendIfFalse adds flag only when key is explicitly false
func appendIfFalse(args []string, opts map[string]any, key, flag string) []string {
	if v, ok := opts[key].(bool); ok && !v {
		return append(args, flag)
	}
	return args
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
