package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DocumentCode нормализует имя типа документа в код:
// нижний регистр, пробелы → "_", β → "beta", диакритика удаляется.
//
//	"Dosage des β HCG" → "dosage_des_beta_hcg"
func DocumentCode(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "β", "beta")
	s = strings.ReplaceAll(s, " ", "_")

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
