package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolsAreDistinct(t *testing.T) {
	seen := make(map[string]string)
	for name, s := range All() {
		assert.NotEmpty(t, s, name)
		if other, ok := seen[s]; ok {
			t.Errorf("symbol %q shared by %s and %s", s, name, other)
		}
		seen[s] = name
	}
}
