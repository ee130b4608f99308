package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is returned for an allow list file that does not parse.
	ErrInvalidTOML = errors.New("invalid allow list toml")
	// ErrInvalidRegex is returned for an allow list pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allow list pattern")
)

// LoadAllowList reads the content patterns of a gitleaks-style allow list:
//
//	[allowlist]
//	regexes = ['''EXAMPLE$''']
//
// An empty path or a missing file yields no patterns.
func LoadAllowList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return file.Allowlist.Regexes, nil
}
