package rfc9110

import (
	"strconv"
	"strings"
)

// §  12.5.3.  Accept-Encoding
// §
// §    Accept-Encoding  = #( codings [ weight ] )
// §    codings          = content-coding / "identity" / "*"

// Coding is one member of an Accept-Encoding field.
type Coding struct {
	// Token is lower-cased.
	Token string
	Q     float64
	// Order is the position of the member within the field.
	Order int
}

// ParseAcceptEncoding parses all Accept-Encoding field lines.
// Members with an invalid weight are dropped.
//
// §  12.4.2.  Quality Values
// §
// §    weight = OWS ";" OWS "q=" qvalue
// §    qvalue = ( "0" [ "." 0*3DIGIT ] )
// §           / ( "1" [ "." 0*3("0") ] )
// §
// §     If no "q" parameter is present, the default weight is 1.
func ParseAcceptEncoding(values []string) []Coding {
	codings := make([]Coding, 0)
	for _, value := range values {
		for _, member := range strings.Split(value, ",") {
			member = strings.TrimSpace(member)
			if member == "" {
				continue
			}
			token, params, _ := strings.Cut(member, ";")
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			q, ok := parseWeight(params)
			if !ok {
				continue
			}
			codings = append(codings, Coding{Token: token, Q: q, Order: len(codings)})
		}
	}
	return codings
}

func parseWeight(params string) (float64, bool) {
	q := 1.0
	for _, param := range strings.Split(params, ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		name, value, _ := strings.Cut(param, "=")
		if !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return 0, false
		}
		q = parsed
	}
	return q, true
}
