package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payment-proxy/internal/model"
)

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	yaml := `
bank:
  - field: amount
    pattern: 'Total\s+([\d,.]+)\s*Birr'
  - field: branch
    pattern: 'Branch:\s*(\S+)'
labels:
  payer_name: ["Sender Name", "ላኪ"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules.Bank, 2)
	assert.Equal(t, model.FieldAmount, rules.Bank[0].Field)

	res := rules.BankParser().Parse("Total 99.00 Birr\nBranch: PIASSA")
	require.NotNil(t, res.Amount)
	assert.InDelta(t, 99.0, *res.Amount, 0.001)
	assert.Equal(t, "PIASSA", res.Extra["branch"])

	fields, err := rules.TelcoParser().Parse([]byte(`<table><tr><td>ላኪ</td><td>Abebe</td></tr></table>`), "")
	require.NoError(t, err)
	assert.Equal(t, "Abebe", fields[TelcoPayerName])
}

func TestLoadRules_EmptyPath(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Empty(t, rules.Bank)
	assert.NotNil(t, rules.BankParser())
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract: read rules")
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"malformed yaml", "bank: [unclosed", "parse rules"},
		{"no field", "bank:\n  - pattern: '(x)'\n", "has no field"},
		{"bad regex", "bank:\n  - field: amount\n    pattern: '(['\n", "bank rule 0 (amount)"},
		{"no group", "bank:\n  - field: amount\n    pattern: 'ETB'\n", "needs a capture group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
