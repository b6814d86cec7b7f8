package parser

import (
	"strings"
	"unicode"

	"github.com/gosimple/slug"
)

// Normalize folds free text into the comparison form used by the matcher:
// lower case, diacritics transliterated, every separator removed.
// "ORD-001", "ord 001" and "Ord_001" all normalize to "ord001".
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.ReplaceAll(slug.MakeLang(value, "es"), "-", "")
}

// NormalizePhone reduces a Peruvian mobile number to its 9 national digits.
// Masked or foreign numbers yield "".
func NormalizePhone(value string) string {
	var digits strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	phone := digits.String()
	if len(phone) == 11 && strings.HasPrefix(phone, "51") {
		phone = phone[2:]
	}
	if len(phone) != 9 || phone[0] != '9' {
		return ""
	}
	return phone
}

func cleanName(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
