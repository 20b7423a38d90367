package store

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kapetan-io/errors"
)

const maxIdentifierLength = 63 // PostgreSQL NAMEDATALEN - 1

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier rejects anything that is not a plain lowercase SQL
// identifier. Used for operator supplied schema names before they are
// interpolated into DDL; pgx.Identifier quoting is the second line of
// defense, this is the first.
func ValidIdentifier(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("identifier is invalid; cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return errors.Errorf("identifier is invalid; cannot be greater than '%d' characters", maxIdentifierLength)
	}
	if !identifierRE.MatchString(name) {
		return errors.Errorf("identifier is invalid; '%s' must match %s", name, identifierRE.String())
	}
	return nil
}

// ValidOSMID rejects anything that is not a positive integer. Batch job
// ids end up inside Overpass QL queries and file names, so nothing else
// is allowed through.
func ValidOSMID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("osm id is invalid; cannot be empty")
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errors.Errorf("osm id is invalid; '%s' is not an integer", id)
	}
	if n <= 0 {
		return errors.Errorf("osm id is invalid; '%s' must be positive", id)
	}
	return nil
}
