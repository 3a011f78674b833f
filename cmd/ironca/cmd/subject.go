package cmd

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// parseSubject parses a distinguished name such as
// "CN=Example Root,O=Example\, Inc.,C=US". Attributes may repeat; a comma
// inside a value is escaped with a backslash.
func parseSubject(s string) (pkix.Name, error) {
	var name pkix.Name
	parts, err := splitEscaped(s, ',')
	if err != nil {
		return name, err
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, value, ok := strings.Cut(part, "=")
		if !ok {
			return name, fmt.Errorf("subject attribute %q is not TYPE=value", part)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return name, fmt.Errorf("subject attribute %s has no value", attr)
		}
		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("subject has more than one CN")
			}
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		default:
			return name, fmt.Errorf("unsupported subject attribute %q", attr)
		}
	}
	return name, nil
}

func splitEscaped(s string, sep byte) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			if i+1 == len(s) {
				return nil, fmt.Errorf("subject ends with a dangling escape")
			}
			i++
			cur.WriteByte(s[i])
		case c == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String()), nil
}
