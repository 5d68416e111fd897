package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestOrganize_LogsGoToStderr(t *testing.T) {
	src := t.TempDir()
	for _, class := range []string{"NORMAL", "PNEUMONIA"} {
		dir := filepath.Join(src, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < 20; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.png", i)), []byte("x"), 0o644))
		}
	}
	dst := t.TempDir()

	stdout, stderr, err := run(t, "organize", "--data", src, "--target", dst, "--log-format", "json")
	require.NoError(t, err)

	assert.Contains(t, stdout, "split")
	assert.NotContains(t, stdout, `"level"`)
	assert.Contains(t, stderr, `"msg":"dataset organized"`)
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		assert.True(t, strings.HasPrefix(line, "{"), "log line %q", line)
	}
}

func TestCheck_JSON(t *testing.T) {
	src := t.TempDir()
	for _, class := range []string{"NORMAL", "PNEUMONIA"} {
		dir := filepath.Join(src, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < 20; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", i)), []byte("x"), 0o644))
		}
	}

	stdout, _, err := run(t, "check", "--data", src, "--model", filepath.Join(src, "none.pnw"), "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"exists": false`)
	assert.Contains(t, stdout, `"layout"`)
}

type stubBackbone struct{ closed bool }

func (b *stubBackbone) Extract(*tensor.Dense) ([]*nn.Volume, error) { return nil, nil }
func (b *stubBackbone) Channels() int                               { return 4 }

func (b *stubBackbone) Close() error {
	b.closed = true
	return nil
}

func TestBuildNetwork_ClosesBackboneOnFailure(t *testing.T) {
	bb := &stubBackbone{}
	newBackbone := func() (model.FeatureExtractor, error) { return bb, nil }

	bad := model.DefaultConfig(model.ArchTransfer)
	bad.HiddenUnits = 0
	_, err := buildNetwork(bad, newBackbone)
	require.Error(t, err)
	assert.True(t, bb.closed)

	bb.closed = false
	net, err := buildNetwork(model.DefaultConfig(model.ArchTransfer), newBackbone)
	require.NoError(t, err)
	assert.False(t, bb.closed)
	require.NoError(t, net.Close())
	assert.True(t, bb.closed)
}
