package harborseal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(E(KindNotFound, "missing")))
	assert.Equal(t, KindServer, KindOf(errors.New("plain")))
	assert.Equal(t, KindServer, KindOf(nil))
}

func TestWrapPreservesInnerKind(t *testing.T) {
	inner := E(KindTimeout, "embedding service timed out")
	wrapped := Wrap(KindEmbedding, "embed batch failed", inner)

	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, inner))
}

func TestWrapSurvivesFmtErrorf(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", E(KindConflict, "lock held"))
	assert.True(t, IsKind(err, KindConflict))
}
