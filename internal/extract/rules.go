package extract

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk form of extra extraction rules.
//
//	bank:
//	  - field: amount
//	    pattern: 'Total\s+([\d,.]+)\s*Birr'
//	labels:
//	  payer_name: ["Sender Name"]
type RuleFile struct {
	Bank   []RuleSpec          `yaml:"bank"`
	Labels map[string][]string `yaml:"labels"`
}

// RuleSpec is one bank rule before compilation.
type RuleSpec struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
}

// Rules holds compiled extra rules for both extractor families.
type Rules struct {
	Bank   []Rule
	Labels map[string][]string
}

// LoadRules reads and compiles a YAML rule file. An empty path yields no
// extra rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return &Rules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read rules %s", path)
	}
	return ParseRules(data)
}

// ParseRules compiles rules from YAML bytes.
func ParseRules(data []byte) (*Rules, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, eris.Wrap(err, "extract: parse rules")
	}

	rules := &Rules{Labels: rf.Labels}
	for i, spec := range rf.Bank {
		if spec.Field == "" {
			return nil, eris.Errorf("extract: bank rule %d has no field", i)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: bank rule %d (%s)", i, spec.Field)
		}
		if re.NumSubexp() < 1 {
			return nil, eris.Errorf("extract: bank rule %d (%s) needs a capture group", i, spec.Field)
		}
		rules.Bank = append(rules.Bank, Rule{Field: spec.Field, Pattern: re})
	}
	return rules, nil
}

// BankParser returns a bank parser extended with these rules.
func (r *Rules) BankParser() *BankParser {
	return NewBankParser(r.Bank...)
}

// TelcoParser returns a telco parser whose dictionary includes these labels.
func (r *Rules) TelcoParser() *TelcoParser {
	return NewTelcoParser(NewLabels(r.Labels))
}
