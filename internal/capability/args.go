package capability

import (
	"fmt"
	"strings"

	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
)

const (
	NameTroubleshootingSearch = "troubleshooting_search"
	NamePartLookup            = "part_lookup"
	NameModelLookup           = "model_lookup"
	NameCompatibilityCheck    = "compatibility_check"
)

// Args is the closed set of typed capability arguments. Normalize returns
// the in-turn dedup key: free-text fields are case- and whitespace-
// insensitive, identifiers are compared exactly after trimming.
type Args interface {
	Normalize() string
}

type TroubleshootingSearchArgs struct {
	Domain kb.Domain
	Query  string
}

func (a TroubleshootingSearchArgs) Normalize() string {
	return normalizeFreeText(a.Domain.String()) + "|" + normalizeFreeText(a.Query)
}

type PartLookupArgs struct {
	PartNumber string
}

func (a PartLookupArgs) Normalize() string {
	return strings.TrimSpace(a.PartNumber)
}

type ModelLookupArgs struct {
	ModelNumber string
}

func (a ModelLookupArgs) Normalize() string {
	return strings.TrimSpace(a.ModelNumber)
}

type CompatibilityCheckArgs struct {
	ModelNumber string
	PartNumber  string
}

func (a CompatibilityCheckArgs) Normalize() string {
	return strings.TrimSpace(a.ModelNumber) + "|" + strings.TrimSpace(a.PartNumber)
}

// Call is one capability invocation scoped to a single turn.
type Call struct {
	Name string
	Args Args
}

// Key is the dedup key for the in-turn cache.
func (c Call) Key() string {
	return c.Name + "|" + c.Args.Normalize()
}

// ParseCall converts the reasoning step's loosely-typed arguments into a
// typed Call, so dedup and error substitution operate on well-typed values.
func ParseCall(name string, args map[string]any) (Call, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case NameTroubleshootingSearch:
		domain, err := kb.ParseDomain(stringArg(args, "appliance"))
		if err != nil {
			return Call{}, fmt.Errorf("%s: %w", name, err)
		}
		query := stringArg(args, "query")
		if strings.TrimSpace(query) == "" {
			return Call{}, fmt.Errorf("%s: query is required", name)
		}
		return Call{Name: name, Args: TroubleshootingSearchArgs{Domain: domain, Query: query}}, nil
	case NamePartLookup:
		pn := stringArg(args, "part_number")
		if strings.TrimSpace(pn) == "" {
			return Call{}, fmt.Errorf("%s: part_number is required", name)
		}
		return Call{Name: name, Args: PartLookupArgs{PartNumber: pn}}, nil
	case NameModelLookup:
		mn := stringArg(args, "model_number")
		if strings.TrimSpace(mn) == "" {
			return Call{}, fmt.Errorf("%s: model_number is required", name)
		}
		return Call{Name: name, Args: ModelLookupArgs{ModelNumber: mn}}, nil
	case NameCompatibilityCheck:
		mn := stringArg(args, "model_number")
		pn := stringArg(args, "part_number")
		if strings.TrimSpace(mn) == "" || strings.TrimSpace(pn) == "" {
			return Call{}, fmt.Errorf("%s: model_number and part_number are required", name)
		}
		return Call{Name: name, Args: CompatibilityCheckArgs{ModelNumber: mn, PartNumber: pn}}, nil
	default:
		return Call{}, fmt.Errorf("unknown capability %q", name)
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func normalizeFreeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
