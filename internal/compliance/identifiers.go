package compliance

import "regexp"

// npiPrefixSum is the Luhn contribution of the 80840 card-issuer prefix that
// NPIs are validated under.
const npiPrefixSum = 24

// ValidNPI reports whether npi is ten digits with a valid Luhn check digit
// computed over the 80840-prefixed number.
func ValidNPI(npi string) bool {
	if len(npi) != 10 {
		return false
	}
	sum := npiPrefixSum
	for i := 0; i < 9; i++ {
		c := npi[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	last := npi[9]
	if last < '0' || last > '9' {
		return false
	}
	check := (10 - sum%10) % 10
	return int(last-'0') == check
}

var deaPattern = regexp.MustCompile(`^[ABFM][A-Z][0-9]{7}$`)

// ValidDEAFormat reports whether dea has a registrant-type letter from
// {A,B,F,M}, a second letter and seven digits.
func ValidDEAFormat(dea string) bool {
	return deaPattern.MatchString(dea)
}

// ValidDEAChecksum applies the DEA check-digit formula to the seven digits:
// (d1+d3+d5) + 2*(d2+d4+d6) must end in d7.
func ValidDEAChecksum(dea string) bool {
	if !ValidDEAFormat(dea) {
		return false
	}
	d := func(i int) int { return int(dea[2+i] - '0') }
	sum := d(0) + d(2) + d(4) + 2*(d(1)+d(3)+d(5))
	return sum%10 == d(6)
}

// ValidDEA reports whether dea is well formed and its check digit matches.
func ValidDEA(dea string) bool {
	return ValidDEAFormat(dea) && ValidDEAChecksum(dea)
}
