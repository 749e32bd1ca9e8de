package kb

import (
	"fmt"
	"strings"
)

// Domain names one partition of the troubleshooting knowledge base.
type Domain string

const (
	DomainDishwasher   Domain = "dishwasher"
	DomainRefrigerator Domain = "refrigerator"
)

func (d Domain) String() string { return string(d) }

func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dishwasher":
		return DomainDishwasher, nil
	case "refrigerator", "fridge":
		return DomainRefrigerator, nil
	default:
		return "", fmt.Errorf("unknown appliance domain %q", s)
	}
}

func AllDomains() []Domain {
	return []Domain{DomainDishwasher, DomainRefrigerator}
}

// SolutionRecord is one resolution section scraped from a symptom page.
type SolutionRecord struct {
	Part        string `json:"part"`
	Description string `json:"description"`
}

// SymptomRecord is one troubleshooting entry for an appliance domain.
type SymptomRecord struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	VideoLink   string           `json:"video_link,omitempty"`
	Solutions   []SolutionRecord `json:"solutions,omitempty"`
}

type DocumentKind string

const (
	KindTitle    DocumentKind = "title"
	KindSolution DocumentKind = "solution"
)

// Document is one knowledge-base unit. Created at index-build time and
// immutable thereafter. Text is the exact string that was embedded.
type Document struct {
	Kind DocumentKind `json:"kind"`
	Text string       `json:"text"`

	// Symptom is set when Kind is KindTitle.
	Symptom *SymptomRecord `json:"symptom,omitempty"`
	// Solution is set when Kind is KindSolution; Parent points back at the
	// owning symptom entry (lookup only, no ownership).
	Solution *SolutionRecord `json:"solution,omitempty"`
	Parent   *SymptomRecord  `json:"parent,omitempty"`
}

// DocumentsFromSymptoms flattens symptom records into embeddable documents:
// one title document per symptom plus one solution document per resolution.
func DocumentsFromSymptoms(symptoms []SymptomRecord) []Document {
	docs := make([]Document, 0, len(symptoms))
	for i := range symptoms {
		sym := symptoms[i]
		docs = append(docs, Document{
			Kind:    KindTitle,
			Text:    fmt.Sprintf("%s - %s", sym.Title, sym.Description),
			Symptom: &sym,
		})
		for j := range sym.Solutions {
			sol := sym.Solutions[j]
			docs = append(docs, Document{
				Kind:     KindSolution,
				Text:     fmt.Sprintf("%s - %s - %s", sym.Title, sol.Part, sol.Description),
				Solution: &sol,
				Parent:   &sym,
			})
		}
	}
	return docs
}
