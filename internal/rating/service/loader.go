package service

import (
	"fmt"
	"os"
	"sort"

	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"gopkg.in/yaml.v3"
)

type rateCardFile struct {
	Rates []ratingdomain.RateCard `yaml:"rates"`
}

// LoadFile reads a YAML rate card file. Cards are returned in version order.
func LoadFile(path string) ([]ratingdomain.RateCard, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate card file: %w", err)
	}
	var file rateCardFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode rate card file: %w", err)
	}
	seen := make(map[int64]struct{}, len(file.Rates))
	for _, card := range file.Rates {
		if _, dup := seen[card.Version]; dup {
			return nil, fmt.Errorf("rate card file: version %d listed twice", card.Version)
		}
		seen[card.Version] = struct{}{}
	}
	sort.Slice(file.Rates, func(i, j int) bool { return file.Rates[i].Version < file.Rates[j].Version })
	return file.Rates, nil
}
