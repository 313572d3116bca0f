package storepath_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

func TestHashPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   storepath.Path
		prefix string
		isErr  bool
	}{
		{path: "/nix/store/abc123-foo-1.0", prefix: "abc123"},
		{path: "/nix/store/abc123-foo", prefix: "abc123"},
		{path: "/nix/store/noseparator", isErr: true},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("HashPrefix(%q)", test.path), func(t *testing.T) {
			t.Parallel()

			prefix, err := test.path.HashPrefix()
			if test.isErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.prefix, prefix)
		})
	}
}

func TestRootValidate(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	require.NoError(t, root.Validate("/nix/store/abc123-foo"))
	require.Error(t, root.Validate("relative-path"))
	require.Error(t, root.Validate("/opt/store/abc123-foo"))
	require.Error(t, root.Validate("/nix/store/noseparator"))
}

func TestDedupAndWithoutSelf(t *testing.T) {
	t.Parallel()

	in := []storepath.Path{"/nix/store/a", "/nix/store/b", "/nix/store/a"}
	assert.Equal(t, []storepath.Path{"/nix/store/a", "/nix/store/b"}, storepath.Dedup(in))

	refs := []storepath.Path{"/nix/store/a", "/nix/store/self", "/nix/store/b"}
	assert.Equal(
		t,
		[]storepath.Path{"/nix/store/a", "/nix/store/b"},
		storepath.WithoutSelf("/nix/store/self", refs),
	)
}
