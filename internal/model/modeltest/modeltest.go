// Package modeltest provides small networks for tests in other packages.
package modeltest

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

// TinyConfig is a simple network with two filters per conv layer.
func TinyConfig() model.Config {
	cfg := model.DefaultConfig(model.ArchSimple)
	cfg.Filters = []int{2, 2, 2, 2}
	cfg.HiddenUnits = 4
	return cfg
}

// Tiny builds a TinyConfig network with LiveParams applied.
func Tiny(t testing.TB) model.Network {
	t.Helper()
	net, err := model.Build(TinyConfig(), model.BuildOptions{})
	require.NoError(t, err)
	LiveParams(net.Params())
	return net
}

// LiveParams overwrites params with positive, slowly varying values. Inputs
// in [0,1] then keep every ReLU unit active, each conv output stays near
// the input mean and the logit stays well away from saturation.
func LiveParams(params []*nn.Param) {
	for _, p := range params {
		for j := range p.Value {
			wave := math.Sin(float64(j) + 1)
			switch {
			case strings.HasSuffix(p.Name, ".bias"):
				p.Value[j] = 0.05
			case len(p.Shape) == 4:
				fanIn := p.Shape[1] * p.Shape[2] * p.Shape[3]
				p.Value[j] = (1 + 0.5*wave) / float64(fanIn)
			default:
				p.Value[j] = 0.5 + 0.25*wave
			}
		}
	}
}
