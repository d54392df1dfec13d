package qualification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Registry looks a qualification up in an EU professional qualifications
// database.
type Registry interface {
	Lookup(ctx context.Context, q *Qualification) (*RegistryResult, error)
}

// euMemberStates are the ISO 3166-1 alpha-2 codes of the EU member states.
var euMemberStates = []string{
	"AT", "BE", "BG", "CY", "CZ", "DE", "DK", "EE", "ES", "FI", "FR", "GR", "HR", "HU",
	"IE", "IT", "LT", "LU", "LV", "MT", "NL", "PL", "PT", "RO", "SE", "SI", "SK",
}

// IsMemberState reports whether code names an EU member state.
func IsMemberState(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	i := sort.SearchStrings(euMemberStates, code)
	return i < len(euMemberStates) && euMemberStates[i] == code
}

// DirectiveRegistry applies the automatic recognition rules of Directive
// 2005/36/EC: basic medical training and specialist titles obtained in a
// member state are recognized in every other member state. Anything else
// goes through the general system and needs manual review.
type DirectiveRegistry struct {
	now func() time.Time
}

func NewDirectiveRegistry() *DirectiveRegistry {
	return &DirectiveRegistry{now: time.Now}
}

const registryDatabase = "EU Professional Qualifications Database"

func (r *DirectiveRegistry) Lookup(_ context.Context, q *Qualification) (*RegistryResult, error) {
	now := r.now().UTC()
	res := &RegistryResult{
		Database:            registryDatabase,
		Reference:           fmt.Sprintf("EU-VERIFY-%d", now.UnixMilli()),
		RecognitionStatus:   RecognitionNone,
		RecognizedCountries: []string{},
		CheckedAt:           now,
	}

	home := ""
	switch {
	case q.HomeMemberState != nil:
		home = *q.HomeMemberState
	case q.Country != nil:
		home = *q.Country
	}
	if !IsMemberState(home) || q.ExpiredAt(now) {
		return res, nil
	}
	home = strings.ToUpper(strings.TrimSpace(home))

	switch q.Type {
	case TypeMedicalDegree, TypeSpecialty:
		res.Verified = true
		res.RecognitionStatus = RecognitionAutomatic
		for _, c := range euMemberStates {
			if c != home {
				res.RecognizedCountries = append(res.RecognizedCountries, c)
			}
		}
	default:
		res.RecognitionStatus = RecognitionGeneralSystem
	}
	return res, nil
}
