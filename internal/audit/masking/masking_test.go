package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecretKeepsPrefixAndSuffix(t *testing.T) {
	assert.Equal(t, "pi_3Nx_secret_****wxyz", MaskSecret("pi_3Nx_secret_abcdwxyz"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "", MaskSecret("  "))
}

func TestMaskMetadataOnlyTouchesSensitiveKeys(t *testing.T) {
	masked := MaskMetadata(map[string]any{
		"client_secret": "pi_123_secret_987654",
		"amount":        int64(10000),
		"nested": map[string]any{
			"webhook_secret": "whsec_abcdefgh",
			"currency":       "usd",
		},
	})

	assert.Equal(t, "pi_123_secret_****7654", masked["client_secret"])
	assert.Equal(t, int64(10000), masked["amount"])
	nested := masked["nested"].(map[string]any)
	assert.Equal(t, "whsec_****efgh", nested["webhook_secret"])
	assert.Equal(t, "usd", nested["currency"])
}
