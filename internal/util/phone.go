package util

import "strings"

var phoneReplacer = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "\t", "")

// NormalizePhone strips separators from an E.164-ish phone number.
// TODO: validate country codes with libphonenumber once non-RU salons onboard.
func NormalizePhone(p string) string {
	p = phoneReplacer.Replace(strings.TrimSpace(p))
	if strings.HasPrefix(p, "00") {
		p = "+" + p[2:]
	}
	return p
}
