package address_test

import (
	"testing"

	"github.com/settlemesh/connector/internal/address"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	a, err := address.Parse("g.workflow.resize.watermark")
	require.NoError(t, err)
	require.Equal(t, "g.workflow.resize.watermark", a.String())
	require.Equal(t, []string{"g", "workflow", "resize", "watermark"}, a.Segments())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		".g.workflow",
		"g.workflow.",
		"g..workflow",
		".",
	}
	for _, c := range cases {
		_, err := address.Parse(c)
		require.Error(t, err, c)
	}
}

func TestParseAllowsDuplicateSegments(t *testing.T) {
	a, err := address.Parse("g.workflow.resize.resize")
	require.NoError(t, err)
	require.Equal(t, 4, a.Depth())
}

func TestHasPrefix(t *testing.T) {
	prefix := address.MustParse("g.workflow")
	require.True(t, address.HasPrefix(prefix, address.MustParse("g.workflow.resize")))
	require.True(t, address.HasPrefix(prefix, address.MustParse("g.workflow")))
	require.False(t, address.HasPrefix(prefix, address.MustParse("g.workflows")))
	require.False(t, address.HasPrefix(prefix, address.MustParse("g.work")))
}
